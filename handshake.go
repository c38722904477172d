package mssql

import (
	"crypto/tls"
	"fmt"
	"net"
)

// TLSDialer wraps an already-connected net.Conn in TLS. The core never
// imports a concrete TLS stack itself; callers plug in crypto/tls.Client
// directly (the common case) or a hardened wrapper, keeping crypto/tls at
// the boundary only, consistent with the spec's explicit non-goal of
// shipping TLS itself.
type TLSDialer func(conn net.Conn, cfg *tls.Config) (net.Conn, error)

func defaultTLSDialer(conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	c := tls.Client(conn, cfg)
	if err := c.Handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

// maxRoutingHops bounds EnvChange(Routing) redirect chains (§4.3).
const maxRoutingHops = 2

// handshakeResult is everything connect() needs from a completed
// PreLogin+Login7 exchange to build a Session.
type handshakeResult struct {
	conn       net.Conn
	buf        *tdsBuffer
	tdsVersion uint32
	packetSize int
	ack        loginAckStruct
	featAck    featureExtAck
}

// tlsConfigFor builds the *tls.Config for a given server name, honoring
// TrustServerCertificate the way every SQL Server driver in this space does:
// it disables verification entirely rather than pinning a custom CA, since
// the spec carries no certificate-pinning requirement.
func tlsConfigFor(cfg *Config, serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: cfg.TrustServerCertificate,
		MinVersion:         tls.VersionTLS12,
	}
}

// connect performs the full §4.1–§4.3 handshake over an already-dialed
// net.Conn: PreLogin/TLS interleave (7.x post-PreLogin or 8.0 pre-PreLogin
// strict), Login7, and routing-redirect following bounded at
// maxRoutingHops. dial is called again for each routing hop.
func connect(cfg *Config, dial func(addr string) (net.Conn, error), tlsDialer TLSDialer, addr string) (*handshakeResult, error) {
	if tlsDialer == nil {
		tlsDialer = defaultTLSDialer
	}

	for hop := 0; ; hop++ {
		if hop > maxRoutingHops {
			return nil, RoutingError{Hops: hop}
		}

		conn, err := dial(addr)
		if err != nil {
			return nil, ioError(err, "dialing server")
		}

		res, routedAddr, err := handshakeOnce(cfg, conn, tlsDialer)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if routedAddr == "" {
			return res, nil
		}
		res.conn.Close()
		addr = routedAddr
	}
}

// handshakeOnce drives one PreLogin+Login7 round over conn. It returns a
// non-empty routedAddr when the server's LOGIN7 response carried an
// EnvChange(Routing) redirect, in which case the caller must reconnect to
// that address instead of using res.
func handshakeOnce(cfg *Config, conn net.Conn, tlsDialer TLSDialer) (res *handshakeResult, routedAddr string, err error) {
	wantEncrypt := cfg.Encrypt
	if wantEncrypt == 0 {
		wantEncrypt = encryptOn
	}

	if wantEncrypt == encryptStrict {
		// TDS 8.0: TLS wraps the transport before any TDS byte is sent.
		tlsConn, err := tlsDialer(conn, tlsConfigFor(cfg, cfg.Server))
		if err != nil {
			return nil, "", ioError(err, "establishing strict pre-login TLS")
		}
		conn = tlsConn
	}

	buf := newTdsBuffer(conn, defaultPacketSize)

	myPrelogin := preloginFields{
		Version:    [6]byte{0, 0, 0, 1, 0, 0},
		Encryption: wantEncrypt,
		Instance:   cfg.Instance,
		ThreadID:   0,
		MARS:       0,
	}
	buf.BeginWrite(packPrelogin)
	buf.Write(encodePrelogin(myPrelogin, false))
	if err := buf.FinishWrite(); err != nil {
		return nil, "", err
	}

	pktType, err := buf.BeginRead()
	if err != nil {
		return nil, "", err
	}
	if pktType != packReply {
		return nil, "", protocolError("expected PRELOGIN reply, got %v", pktType)
	}
	respBytes := make([]byte, buf.rsize-buf.rpos)
	buf.ReadFull(respBytes)
	serverPrelogin, err := parsePrelogin(respBytes)
	if err != nil {
		return nil, "", err
	}

	if wantEncrypt != encryptStrict {
		negotiated, err := negotiateEncryption(wantEncrypt, serverPrelogin.Encryption)
		if err != nil {
			return nil, "", err
		}
		if negotiated == encryptOn || negotiated == encryptReq {
			tlsConn, err := tlsDialer(conn, tlsConfigFor(cfg, cfg.Server))
			if err != nil {
				return nil, "", ioError(err, "establishing post-prelogin TLS")
			}
			conn = tlsConn
			buf = newTdsBuffer(conn, defaultPacketSize)
		} else {
			cfg.logger().Printf("WARN: connecting without TLS, credentials and data will be sent in plaintext")
		}
	}

	auth := resolveAuth(cfg.Auth)
	sspi, integrated, err := auth.ProduceLogin7Auth()
	if err != nil {
		return nil, "", err
	}

	feat := buildFeatureExt(cfg.ColumnEncryption, false)
	lf := loginFields{
		TDSVersion:     verTDS74,
		PacketSize:     uint32(cfg.packetSize()),
		ClientProgVer:  0x07000000,
		ClientPID:      uint32(pid()),
		ClientTimeZone: 0,
		ClientLCID:     0x00000409,
		HostName:       hostname(),
		UserName:       cfg.User,
		Password:       cfg.Password,
		AppName:        cfg.AppName,
		ServerName:     cfg.Server,
		CtlIntName:     "go-tds",
		Database:       cfg.Database,
		FeatureExt:     feat,
	}
	if integrated {
		lf.UserName, lf.Password = "", ""
	}
	_ = sspi // not sent: LOGIN7's SSPI field stays empty; only NextAuthMessage replies reach the server

	buf.BeginWrite(packLogin7)
	buf.Write(encodeLogin7(lf))
	if err := buf.FinishWrite(); err != nil {
		return nil, "", err
	}

	sess := &Session{buf: buf, log: cfg.logger(), logFlags: cfg.LogFlags, lobCap: cfg.LOBCap}
	if sess.lobCap <= 0 {
		sess.lobCap = defaultLOBCap
	}
	ch := make(chan Token, 8)
	go processSingleResponse(sess, ch, nil)

	var ack loginAckStruct
	var featAck featureExtAck
	var haveAck bool
	for tok := range ch {
		switch v := tok.(type) {
		case error:
			return nil, "", v
		case loginAckStruct:
			ack = v
			haveAck = true
		case featureExtAck:
			featAck = v
		case sspiMsg:
			next, ok, err := auth.NextAuthMessage(v)
			if err != nil {
				return nil, "", err
			}
			if ok {
				buf.BeginWrite(packSSPIMessage)
				buf.Write(next)
				if err := buf.FinishWrite(); err != nil {
					return nil, "", err
				}
			}
		case doneStruct:
			if v.isError() {
				return nil, "", v.getError()
			}
		}
	}
	if !haveAck {
		return nil, "", protocolError("server closed connection without a LOGINACK")
	}
	if sess.routedServer != "" {
		return nil, fmt.Sprintf("%s:%d", sess.routedServer, sess.routedPort), nil
	}

	return &handshakeResult{
		conn:       conn,
		buf:        buf,
		tdsVersion: ack.TDSVersion,
		packetSize: cfg.packetSize(),
		ack:        ack,
		featAck:    featAck,
	}, "", nil
}
