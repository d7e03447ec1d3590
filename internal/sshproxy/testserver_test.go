package sshproxy

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server with a handful of canned exec
// commands and an optional sftp subsystem rooted at sftpRoot.
type testServer struct {
	addr     string
	sftpRoot string // empty disables the subsystem
}

func startTestServer(t *testing.T, authorized ssh.PublicKey, sftpRoot string) *testServer {
	t.Helper()

	_, hostKeyPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	hostSigner, err := ParsePrivateKey(hostKeyPEM)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testServer{addr: listener.Addr().String(), sftpRoot: sftpRoot}

	var (
		connsMu sync.Mutex
		conns   []net.Conn
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			connsMu.Lock()
			conns = append(conns, netConn)
			connsMu.Unlock()
			go srv.handleConn(netConn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		connsMu.Lock()
		for _, c := range conns {
			c.Close()
		}
		connsMu.Unlock()
		<-done
	})
	return srv
}

func (s *testServer) target(id string, signer ssh.Signer) Target {
	host, portStr, _ := net.SplitHostPort(s.addr)
	port, _ := strconv.Atoi(portStr)
	return Target{ID: id, Host: host, Port: port, User: "root", Signer: signer}
}

func (s *testServer) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func sendExit(ch ssh.Channel, code int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

func (s *testServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			s.runCommand(ch, payload.Command)
			return

		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" || s.sftpRoot == "" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.sftpRoot))
			if err != nil {
				return
			}
			server.Serve()
			server.Close()
			return

		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}

func (s *testServer) runCommand(ch ssh.Channel, cmd string) {
	switch cmd {
	case "echo hello":
		io.WriteString(ch, "hello\n")
		sendExit(ch, 0)
	case "fail":
		io.WriteString(ch.Stderr(), "boom")
		sendExit(ch, 3)
	case "cat":
		data, _ := io.ReadAll(ch)
		ch.Write(data)
		sendExit(ch, 0)
	case "partial-then-fail":
		io.WriteString(ch, "abc")
		io.WriteString(ch.Stderr(), "read error")
		sendExit(ch, 1)
	case "hang":
		// Blocks until the client closes the channel.
		io.Copy(io.Discard, ch)
	default:
		io.WriteString(ch.Stderr(), "unknown command: "+cmd)
		sendExit(ch, 127)
	}
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, pemBytes, err := GenerateKeyPair()
	require.NoError(t, err)
	signer, err := ParsePrivateKey(pemBytes)
	require.NoError(t, err)
	return signer
}
