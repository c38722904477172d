package mssql

import "os"

func pid() int {
	return os.Getpid()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
