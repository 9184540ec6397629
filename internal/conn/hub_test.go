package conn

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/crdt"
	"github.com/freeqd/freeqd/internal/identity"
	"github.com/freeqd/freeqd/internal/sasl"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noResolver struct{}

func (noResolver) Resolve(ctx context.Context, did string) (*sasl.DIDDocument, error) {
	return nil, &sasl.Error{Code: "resolve_failed", Message: "no resolver configured in test"}
}

func newTestHub() *Hub {
	cfg := Config{
		ServerName:       "test.freeqd",
		MOTD:             []string{"welcome to the test network"},
		IdleTimeout:      time.Minute,
		PingInterval:     time.Minute,
		RequireDIDForOps: false,
		RateLimitPerSec:  1000,
		RateBurst:        1000,
	}
	auth := sasl.New(noResolver{}, time.Minute, 3)
	return NewHub(cfg, channelreg.NewRegistry(), crdt.New("test-actor"), identity.New(), auth, nil, discardLogger())
}

// testClient drives one half of a net.Pipe as a scripted IRC client: send
// writes a raw line, readLine reads and returns the next server line.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newTestClient(t *testing.T, hub *Hub) *testClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	sess := NewSession(hub, serverConn, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = clientConn.Close()
	})
	go sess.Serve(ctx)
	return &testClient{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("readLine: %v", err)
	}
	return line[:len(line)-2]
}

// readUntil reads lines until one contains substr or the timeout is hit.
func (c *testClient) readUntil(substr string) string {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		line := c.readLine()
		if contains(line, substr) {
			return line
		}
	}
	c.t.Fatalf("did not see line containing %q", substr)
	return ""
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func registerClient(t *testing.T, c *testClient, nick string) {
	t.Helper()
	c.send("NICK " + nick)
	c.send("USER " + nick + " 0 * :" + nick + " Real Name")
	c.readUntil("001")
}

func TestSession_RegistrationFlow(t *testing.T) {
	hub := newTestHub()
	c := newTestClient(t, hub)
	registerClient(t, c, "alice")

	if _, ok := hub.FindSession("alice"); !ok {
		t.Fatal("expected alice to be registered in the hub's nick index")
	}
}

func TestSession_DuplicateNickRejected(t *testing.T) {
	hub := newTestHub()
	c1 := newTestClient(t, hub)
	registerClient(t, c1, "bob")

	c2 := newTestClient(t, hub)
	c2.send("NICK bob")
	line := c2.readUntil(ERR_NICKNAMEINUSE)
	if !contains(line, "433") {
		t.Fatalf("expected 433 line, got %q", line)
	}
}

func TestSession_JoinAndPrivmsgRelay(t *testing.T) {
	hub := newTestHub()
	c1 := newTestClient(t, hub)
	registerClient(t, c1, "alice")
	c2 := newTestClient(t, hub)
	registerClient(t, c2, "bob")

	c1.send("JOIN #room")
	c1.readUntil("JOIN #room")
	c2.send("JOIN #room")
	c2.readUntil("JOIN #room")
	c1.readUntil("JOIN #room") // alice sees bob join

	c1.send("PRIVMSG #room :hello room")
	line := c2.readUntil("PRIVMSG #room")
	if !contains(line, "hello room") {
		t.Fatalf("bob did not see alice's message: %q", line)
	}
}

func TestSession_TopicRequiresOp(t *testing.T) {
	hub := newTestHub()
	founder := newTestClient(t, hub)
	registerClient(t, founder, "founder")
	founder.send("JOIN #ops")
	founder.readUntil("JOIN #ops")

	other := newTestClient(t, hub)
	registerClient(t, other, "other")
	other.send("JOIN #ops")
	other.readUntil("JOIN #ops")
	founder.readUntil("JOIN #ops")

	founder.send("MODE #ops +t")
	founder.readUntil("MODE #ops +t")
	other.readUntil("MODE #ops +t")

	other.send("TOPIC #ops :not allowed")
	line := other.readUntil(ERR_CHANOPRIVSNEEDED)
	if !contains(line, "482") {
		t.Fatalf("expected 482, got %q", line)
	}

	founder.send("TOPIC #ops :allowed topic")
	line = founder.readUntil("TOPIC #ops")
	if !contains(line, "allowed topic") {
		t.Fatalf("expected topic change to be relayed, got %q", line)
	}
}

func TestSession_PartLeavesChannel(t *testing.T) {
	hub := newTestHub()
	c := newTestClient(t, hub)
	registerClient(t, c, "alice")
	c.send("JOIN #room")
	c.readUntil("JOIN #room")

	c.send("PART #room :bye")
	c.readUntil("PART #room")

	if _, ok := hub.channels.Get("#room"); ok {
		t.Fatal("expected empty channel to be garbage collected after the last member parts")
	}
}
