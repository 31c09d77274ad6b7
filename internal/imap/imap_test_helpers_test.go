package imap

import (
	"testing"
	"time"

	"github.com/vdavid/mailgate/internal/testutil"
)

func testOptions(server *testutil.TestIMAPServer) Options {
	return Options{
		Server:       server.Address,
		Username:     server.Username(),
		Password:     server.Password(),
		UseTLS:       false,
		DialTimeout:  2 * time.Second,
		LoginTimeout: 2 * time.Second,
	}
}

func connectTest(t *testing.T, server *testutil.TestIMAPServer) *Session {
	t.Helper()

	session, err := Connect(testOptions(server))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close()
	})
	return session
}
