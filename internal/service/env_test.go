package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campuslib/ebook-delivery/internal/audit"
	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/notifier"
	"github.com/campuslib/ebook-delivery/internal/repository/memory"
	"github.com/campuslib/ebook-delivery/internal/storage"
)

const (
	testVisitor   = "visitor-1"
	testRecipient = "reader@uni.example"
	testIP        = "203.0.113.7"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureNotifier struct {
	mu       sync.Mutex
	messages []notifier.Message
	err      error
}

func (n *captureNotifier) Send(ctx context.Context, msg notifier.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, msg)
	return nil
}

func (n *captureNotifier) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func (n *captureNotifier) lastCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.messages, "no message sent")
	return n.messages[len(n.messages)-1].Code
}

type testEnv struct {
	clock      *fakeClock
	carts      *memory.CartRepository
	catalog    *memory.CatalogRepository
	challenges *memory.ChallengeRepository
	sessions   *memory.DownloadSessionRepository
	records    *memory.DeliveryRecordRepository
	notifier   *captureNotifier
	audit      *audit.Recorder
	mediaRoot  string

	cart      *CartService
	otp       *OTPService
	downloads *DownloadService
	delivery  *DeliveryService
}

var (
	bookA = model.CatalogItem{ID: "book-a", Title: "Linear Algebra", Author: "Strang", FileRef: "books/a.pdf"}
	bookB = model.CatalogItem{ID: "book-b", Title: "Operating Systems", Author: "Tanenbaum", FileRef: "books/b.epub"}
	bookC = model.CatalogItem{ID: "book-c", Title: "Open Web Book", Author: "Anon", FileRef: "https://example.org/c.pdf"}
)

// fileContent returns n deterministic bytes.
func fileContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "books"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "books", "a.pdf"), fileContent(1000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "books", "b.epub"), fileContent(500), 0o644))

	local, err := storage.NewLocalStorage(root)
	require.NoError(t, err)

	env := &testEnv{
		clock:      newFakeClock(),
		carts:      memory.NewCartRepository(),
		catalog:    memory.NewCatalogRepository(bookA, bookB, bookC),
		challenges: memory.NewChallengeRepository(),
		sessions:   memory.NewDownloadSessionRepository(),
		records:    memory.NewDeliveryRecordRepository(),
		notifier:   &captureNotifier{},
		audit:      audit.NewRecorder(),
		mediaRoot:  root,
	}
	clock := Clock(env.clock.Now)

	env.cart = NewCartService(env.carts, env.catalog, 10, 24*time.Hour, clock)
	env.otp = NewOTPService(env.challenges, env.notifier, env.audit, clock)
	env.downloads = NewDownloadService(env.sessions, env.carts, env.catalog, env.records, env.otp, env.audit,
		DownloadConfig{
			AllowedDomains: []string{"uni.example"},
			SessionTTL:     time.Hour,
			TokenTTL:       10 * time.Minute,
		}, clock)
	env.delivery = NewDeliveryService(env.downloads, env.catalog, storage.NewRouter(local, nil), nil, time.Millisecond, clock)
	return env
}

func (e *testEnv) fillCart(t *testing.T, itemIDs ...string) {
	t.Helper()
	for _, id := range itemIDs {
		_, err := e.cart.Add(context.Background(), testVisitor, id)
		require.NoError(t, err)
	}
}

// issueToken runs a cart download up to token issue.
func (e *testEnv) issueToken(t *testing.T, itemIDs ...string) *IssuedToken {
	t.Helper()
	ctx := context.Background()

	e.fillCart(t, itemIDs...)
	session, err := e.downloads.Initiate(ctx, InitiateParams{SessionKey: testVisitor, Recipient: testRecipient, OriginIP: testIP})
	require.NoError(t, err)

	issued, err := e.downloads.SubmitCode(ctx, session.ID, e.notifier.lastCode(t))
	require.NoError(t, err)
	return issued
}

func wrongCode(code string) string {
	if strings.HasPrefix(code, "1") {
		return "2" + code[1:]
	}
	return "1" + code[1:]
}
