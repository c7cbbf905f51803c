package bus_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/arachne-mcp/arachne/common/crypto"
	"github.com/arachne-mcp/arachne/internal/arachne/bus"
)

func deriveTestKey(t *testing.T, apiKey string) []byte {
	t.Helper()
	key, err := crypto.DeriveKey(apiKey, []byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return key
}

func msg(id, channel, content string) bus.Message {
	return bus.Message{ID: id, ChannelID: channel, ServerID: "srv", Content: content}
}

func TestEnqueueReadPlaintextFIFO(t *testing.T) {
	b := bus.New(bus.Config{})

	for i := 0; i < 5; i++ {
		b.Enqueue("e1", msg(fmt.Sprintf("m%d", i), "c1", fmt.Sprintf("hello %d", i)), nil)
	}

	got := b.Read("e1", bus.ReadOptions{})
	if len(got) != 5 {
		t.Fatalf("Read: got %d messages, want 5", len(got))
	}
	for i, m := range got {
		if want := fmt.Sprintf("m%d", i); m.ID != want {
			t.Errorf("order: position %d is %s, want %s", i, m.ID, want)
		}
	}

	// Reading does not remove messages.
	if again := b.Read("e1", bus.ReadOptions{}); len(again) != 5 {
		t.Errorf("second Read: got %d messages, want 5", len(again))
	}
}

func TestEncryptionRoundTrip(t *testing.T) {
	b := bus.New(bus.Config{})
	key := deriveTestKey(t, "api-key")

	b.Enqueue("e1", msg("m1", "c1", "secret"), key)

	// Same key: plaintext comes back byte-exact.
	got := b.Read("e1", bus.ReadOptions{Key: key})
	if len(got) != 1 {
		t.Fatalf("Read: got %d messages", len(got))
	}
	if got[0].Content != "secret" {
		t.Errorf("Content: got %q, want %q", got[0].Content, "secret")
	}
	if got[0].Encrypted {
		t.Error("decrypted message still flagged encrypted")
	}

	// No key: sentinel, message kept.
	got = b.Read("e1", bus.ReadOptions{})
	if got[0].Content != bus.SentinelEncrypted {
		t.Errorf("Content without key: got %q, want %q", got[0].Content, bus.SentinelEncrypted)
	}

	// Wrong key (post-rotation): mismatch sentinel, message kept.
	wrongKey := deriveTestKey(t, "rotated-key")
	got = b.Read("e1", bus.ReadOptions{Key: wrongKey})
	if got[0].Content != bus.SentinelKeyMismatch {
		t.Errorf("Content with wrong key: got %q, want %q", got[0].Content, bus.SentinelKeyMismatch)
	}

	// The original key still works afterwards.
	got = b.Read("e1", bus.ReadOptions{Key: key})
	if got[0].Content != "secret" {
		t.Errorf("Content after mismatch read: got %q, want %q", got[0].Content, "secret")
	}
}

func TestQueueCapDropsOldest(t *testing.T) {
	b := bus.New(bus.Config{Cap: 500})

	for i := 0; i < 600; i++ {
		b.Enqueue("e1", msg(fmt.Sprintf("m%d", i), "c1", "x"), nil)
	}

	got := b.Read("e1", bus.ReadOptions{Limit: 1000})
	if len(got) != 500 {
		t.Fatalf("Read: got %d messages, want 500", len(got))
	}
	if got[0].ID != "m100" {
		t.Errorf("oldest survivor: got %s, want m100", got[0].ID)
	}
	if got[len(got)-1].ID != "m599" {
		t.Errorf("newest survivor: got %s, want m599", got[len(got)-1].ID)
	}
}

func TestReadFilters(t *testing.T) {
	b := bus.New(bus.Config{})

	b.Enqueue("e1", msg("m1", "c1", "plain"), nil)
	triggered := msg("m2", "c2", "ping word")
	triggered.Triggered = true
	b.Enqueue("e1", triggered, nil)
	b.Enqueue("e1", msg("m3", "c1", "more"), nil)

	got := b.Read("e1", bus.ReadOptions{ChannelID: "c1"})
	if len(got) != 2 {
		t.Errorf("channel filter: got %d messages, want 2", len(got))
	}

	got = b.Read("e1", bus.ReadOptions{TriggeredOnly: true})
	if len(got) != 1 || got[0].ID != "m2" {
		t.Errorf("triggered filter: got %v", got)
	}

	got = b.Read("e1", bus.ReadOptions{Limit: 1})
	if len(got) != 1 || got[0].ID != "m3" {
		t.Errorf("limit keeps tail-most: got %v", got)
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	b := bus.New(bus.Config{TTL: 10 * time.Millisecond})

	b.Enqueue("e1", msg("m1", "c1", "x"), nil)
	time.Sleep(20 * time.Millisecond)
	b.Sweep()

	if got := b.Read("e1", bus.ReadOptions{}); len(got) != 0 {
		t.Errorf("expired message survived sweep: %v", got)
	}
	if stats := b.Stats(); len(stats) != 0 {
		t.Errorf("empty queue not removed: %v", stats)
	}
}

func TestExpiredInvisibleBeforeSweep(t *testing.T) {
	b := bus.New(bus.Config{TTL: 10 * time.Millisecond})

	b.Enqueue("e1", msg("m1", "c1", "x"), nil)
	time.Sleep(20 * time.Millisecond)

	// Not yet swept, but already past TTL: Read must not return it.
	if got := b.Read("e1", bus.ReadOptions{}); len(got) != 0 {
		t.Errorf("expired message visible before sweep: %v", got)
	}
}

func TestRetroEncrypt(t *testing.T) {
	b := bus.New(bus.Config{})
	key := deriveTestKey(t, "api-key")

	b.Enqueue("e1", msg("m1", "c1", "plain one"), nil)
	b.Enqueue("e1", msg("m2", "c1", "cipher two"), key)

	b.RetroEncrypt("e1", key)
	// Idempotent: a second pass must not double-encrypt.
	b.RetroEncrypt("e1", key)

	got := b.Read("e1", bus.ReadOptions{Key: key})
	if len(got) != 2 {
		t.Fatalf("Read: got %d messages", len(got))
	}
	if got[0].Content != "plain one" || got[1].Content != "cipher two" {
		t.Errorf("contents after retro-encrypt: %q, %q", got[0].Content, got[1].Content)
	}

	// Without the key everything is now sealed.
	got = b.Read("e1", bus.ReadOptions{})
	for _, m := range got {
		if m.Content != bus.SentinelEncrypted {
			t.Errorf("message %s not encrypted after RetroEncrypt: %q", m.ID, m.Content)
		}
	}
}

func TestStats(t *testing.T) {
	b := bus.New(bus.Config{})
	b.Enqueue("e1", msg("m1", "c1", "x"), nil)
	b.Enqueue("e1", msg("m2", "c1", "y"), nil)
	b.Enqueue("e2", msg("m3", "c1", "z"), nil)

	stats := b.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats: got %d queues, want 2", len(stats))
	}
	sizes := map[string]int{}
	for _, st := range stats {
		sizes[st.EntityID] = st.Size
	}
	if sizes["e1"] != 2 || sizes["e2"] != 1 {
		t.Errorf("sizes: %v", sizes)
	}
}
