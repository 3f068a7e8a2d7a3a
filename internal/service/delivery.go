package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/metrics"
	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
	"github.com/campuslib/ebook-delivery/internal/storage"
)

const (
	OmitNotInCatalog = "not_in_catalog"
	OmitExternalURL  = "external_url"
	OmitMissingFile  = "missing_file"
	OmitReadFailed   = "read_failed"

	manifestName = "MANIFEST.json"
)

// FileStore reads catalog files by file reference.
type FileStore interface {
	Stat(ctx context.Context, ref string) (*storage.Object, error)
	Open(ctx context.Context, ref string, offset, length int64) (io.ReadCloser, error)
}

type Resolved struct {
	Item   model.CatalogItem
	Object storage.Object
}

type Manifest struct {
	SessionID   string             `json:"sessionId"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Items       []ManifestItem     `json:"items"`
	Omitted     []ManifestOmission `json:"omitted"`
}

type ManifestItem struct {
	ItemID   string `json:"itemId"`
	Title    string `json:"title"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	BLAKE3   string `json:"blake3"`
}

type ManifestOmission struct {
	ItemID string `json:"itemId"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// DeliveryService streams the files a download token authorizes. The token
// is consumed when the first byte reaches the client.
type DeliveryService struct {
	downloads  *DownloadService
	catalog    repository.CatalogRepository
	files      FileStore
	guard      *RateGuard
	retryDelay time.Duration
	clock      Clock
}

func NewDeliveryService(
	downloads *DownloadService,
	catalog repository.CatalogRepository,
	files FileStore,
	guard *RateGuard,
	retryDelay time.Duration,
	clock Clock,
) *DeliveryService {
	return &DeliveryService{
		downloads:  downloads,
		catalog:    catalog,
		files:      files,
		guard:      guard,
		retryDelay: retryDelay,
		clock:      clock,
	}
}

// Resolve locates the file behind a catalog item.
func (s *DeliveryService) Resolve(ctx context.Context, itemID string) (*Resolved, error) {
	res, reason, err := s.resolve(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, apperrors.ItemUnavailable(itemID, reason)
	}
	return res, nil
}

func (s *DeliveryService) resolve(ctx context.Context, itemID string) (*Resolved, string, error) {
	item, err := s.catalog.FindByID(ctx, itemID)
	if err != nil {
		return nil, "", apperrors.Database(err)
	}
	if item == nil {
		return nil, OmitNotInCatalog, nil
	}

	var obj *storage.Object
	err = s.withRetry(ctx, item.ID, func() error {
		var statErr error
		obj, statErr = s.files.Stat(ctx, item.FileRef)
		return statErr
	})
	if reason, err := classifyStorageError(err); reason != "" || err != nil {
		return nil, reason, err
	}
	return &Resolved{Item: *item, Object: *obj}, "", nil
}

// ServeSingle writes one item of the session. Range requests are honored.
func (s *DeliveryService) ServeSingle(w http.ResponseWriter, r *http.Request, token, itemID, originIP string) error {
	ctx := r.Context()

	session, err := s.downloads.Authorize(ctx, token, originIP)
	if err != nil {
		return err
	}
	if !session.Items.Contains(itemID) {
		return apperrors.NotFound("Item in download session")
	}
	if err := s.checkItemFetch(ctx, session, originIP); err != nil {
		return err
	}

	res, err := s.Resolve(ctx, itemID)
	if err != nil {
		return err
	}
	size := res.Object.Size

	rng, partial, err := parseRange(r.Header.Get("Range"), size)
	if errors.Is(err, errRangeNotSatisfiable) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return apperrors.RangeNotSatisfiable(size)
	}

	length := int64(-1)
	if partial {
		length = rng.length
	}
	var rc io.ReadCloser
	err = s.withRetry(ctx, itemID, func() error {
		var openErr error
		rc, openErr = s.files.Open(ctx, res.Item.FileRef, rng.start, length)
		return openErr
	})
	if reason, err := classifyStorageError(err); err != nil {
		return err
	} else if reason != "" {
		return apperrors.ItemUnavailable(itemID, reason)
	}
	defer rc.Close()

	header := http.Header{}
	header.Set("Content-Type", contentType(res.Item.FileRef))
	header.Set("Content-Disposition", attachment(fileName(res.Item.Title, res.Item.FileRef)))
	header.Set("Content-Length", strconv.FormatInt(rng.length, 10))
	header.Set("Accept-Ranges", "bytes")
	header.Set("Cache-Control", "no-store")
	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
		header.Set("Content-Range", rng.contentRange(size))
	}

	gw := &gatedWriter{
		w:      w,
		header: header,
		status: status,
		open: func() error {
			_, err := s.downloads.Consume(ctx, session, originIP, DeliveryOutcome{
				Kind:      model.DeliveryKindSingle,
				ItemID:    &itemID,
				ItemCount: 1,
			})
			return err
		},
	}

	_, readErr, writeErr := copyStream(gw, rc)
	metrics.BytesStreamedTotal.Add(float64(gw.written))

	if gw.err != nil {
		return gw.err
	}
	if !gw.opened {
		if readErr != nil {
			return apperrors.TransientIO(readErr)
		}
		return gw.commit()
	}
	if readErr != nil || writeErr != nil {
		log.Warn().
			AnErr("readErr", readErr).
			AnErr("writeErr", writeErr).
			Str("sessionId", session.ID).
			Str("itemId", itemID).
			Int64("written", gw.written).
			Msg("single item stream interrupted")
	}
	return nil
}

// ServeBundle writes every resolvable item of the session into a zip archive
// with a manifest of included and omitted items. It fails without consuming
// the token when no item resolves.
func (s *DeliveryService) ServeBundle(w http.ResponseWriter, r *http.Request, token, originIP string) error {
	ctx := r.Context()

	session, err := s.downloads.Authorize(ctx, token, originIP)
	if err != nil {
		return err
	}
	if err := s.checkItemFetch(ctx, session, originIP); err != nil {
		return err
	}

	type bundleEntry struct {
		item model.SnapshotItem
		res  *Resolved
		name string
	}

	var entries []bundleEntry
	omitted := []ManifestOmission{}
	for i, item := range session.Items {
		// Storage still failing after the retry aborts the bundle while the
		// token is unspent.
		res, reason, err := s.resolve(ctx, item.ItemID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrCodeTransientIO) {
				log.Warn().Err(err).Str("sessionId", session.ID).Str("itemId", item.ItemID).Msg("bundle item storage unavailable")
			}
			return err
		}
		if reason != "" {
			omitted = append(omitted, ManifestOmission{ItemID: item.ItemID, Title: item.Title, Reason: reason})
			continue
		}
		entries = append(entries, bundleEntry{
			item: item,
			res:  res,
			name: fmt.Sprintf("%02d-%s", i+1, fileName(item.Title, res.Item.FileRef)),
		})
	}
	if len(entries) == 0 {
		return apperrors.New(apperrors.ErrCodeItemUnavailable, "None of the requested items are available").
			WithDetails(omitted)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/zip")
	header.Set("Content-Disposition", attachment(fmt.Sprintf("ebooks-%s.zip", shortID(session.ID))))
	header.Set("Cache-Control", "no-store")

	gw := &gatedWriter{
		w:      w,
		header: header,
		status: http.StatusOK,
		open: func() error {
			_, err := s.downloads.Consume(ctx, session, originIP, DeliveryOutcome{
				Kind:         model.DeliveryKindBundle,
				ItemCount:    len(entries),
				OmittedCount: len(omitted),
			})
			return err
		},
	}
	defer func() { metrics.BytesStreamedTotal.Add(float64(gw.written)) }()

	manifest := Manifest{SessionID: session.ID, GeneratedAt: s.clock.now(), Items: []ManifestItem{}}
	zw := zip.NewWriter(gw)

	for _, e := range entries {
		var rc io.ReadCloser
		err := s.withRetry(ctx, e.item.ItemID, func() error {
			var openErr error
			rc, openErr = s.files.Open(ctx, e.res.Item.FileRef, 0, -1)
			return openErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return s.abortBundle(gw, session.ID, ctx.Err())
			}
			if _, classified := classifyStorageError(err); classified != nil && !gw.opened {
				return classified
			}
			log.Warn().Err(err).Str("sessionId", session.ID).Str("itemId", e.item.ItemID).Msg("bundle item could not be opened")
			omitted = append(omitted, ManifestOmission{ItemID: e.item.ItemID, Title: e.item.Title, Reason: OmitReadFailed})
			continue
		}

		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: e.res.Object.ModTime,
		})
		if err != nil {
			rc.Close()
			return s.abortBundle(gw, session.ID, err)
		}

		hasher := blake3.New()
		n, readErr, writeErr := copyStream(io.MultiWriter(fw, hasher), rc)
		rc.Close()
		if writeErr != nil {
			return s.abortBundle(gw, session.ID, writeErr)
		}
		if readErr != nil {
			log.Warn().Err(readErr).Str("sessionId", session.ID).Str("itemId", e.item.ItemID).Int64("read", n).Msg("bundle item read failed mid-stream")
			omitted = append(omitted, ManifestOmission{ItemID: e.item.ItemID, Title: e.item.Title, Reason: OmitReadFailed})
			continue
		}

		manifest.Items = append(manifest.Items, ManifestItem{
			ItemID:   e.item.ItemID,
			Title:    e.item.Title,
			FileName: e.name,
			Size:     n,
			BLAKE3:   hex.EncodeToString(hasher.Sum(nil)),
		})
	}

	if len(manifest.Items) == 0 && !gw.opened {
		return apperrors.New(apperrors.ErrCodeItemUnavailable, "None of the requested items could be read").
			WithDetails(omitted)
	}

	manifest.Omitted = omitted
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: manifestName, Method: zip.Deflate, Modified: manifest.GeneratedAt})
	if err != nil {
		return s.abortBundle(gw, session.ID, err)
	}
	enc := json.NewEncoder(fw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return s.abortBundle(gw, session.ID, err)
	}
	if err := zw.Close(); err != nil {
		return s.abortBundle(gw, session.ID, err)
	}

	for _, o := range omitted {
		metrics.OmittedItemsTotal.WithLabelValues(o.Reason).Inc()
	}
	if len(omitted) > 0 {
		log.Info().Str("sessionId", session.ID).Int("included", len(manifest.Items)).Int("omitted", len(omitted)).Msg("bundle delivered with omissions")
	}
	return nil
}

// abortBundle reports err to the caller only while nothing has been sent.
// checkItemFetch paces anonymous single-item sessions per client IP.
func (s *DeliveryService) checkItemFetch(ctx context.Context, session *model.DownloadSession, originIP string) error {
	if session.Purpose != model.OTPPurposeItemDownload || s.guard == nil {
		return nil
	}
	return s.guard.Check(ctx, originIP, RateActionItemFetch)
}

func (s *DeliveryService) abortBundle(gw *gatedWriter, sessionID string, err error) error {
	if gw.err != nil {
		return gw.err
	}
	if !gw.opened {
		return apperrors.TransientIO(err)
	}
	log.Warn().Err(err).Str("sessionId", sessionID).Int64("written", gw.written).Msg("bundle stream interrupted")
	return nil
}

// withRetry runs op and repeats it once after a transient storage failure.
func (s *DeliveryService) withRetry(ctx context.Context, itemID string, op func() error) error {
	err := op()
	if err == nil || !storage.IsTransient(err) {
		return err
	}

	log.Warn().Err(err).Str("itemId", itemID).Msg("transient storage error, retrying once")
	timer := time.NewTimer(s.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return op()
}

// classifyStorageError maps a storage error to an omission reason, or to an
// error that should abort the request.
func classifyStorageError(err error) (string, error) {
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, storage.ErrExternalReference):
		return OmitExternalURL, nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidKey):
		return OmitMissingFile, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", err
	default:
		return "", apperrors.TransientIO(err)
	}
}

// gatedWriter holds back headers and body until open succeeds. open runs
// once, on the first non-empty write or on an explicit commit.
type gatedWriter struct {
	w       http.ResponseWriter
	header  http.Header
	status  int
	open    func() error
	opened  bool
	err     error
	written int64
}

func (g *gatedWriter) commit() error {
	if g.opened {
		return nil
	}
	if g.err != nil {
		return g.err
	}
	if err := g.open(); err != nil {
		g.err = err
		return err
	}
	g.opened = true

	dst := g.w.Header()
	for k, v := range g.header {
		dst[k] = v
	}
	g.w.WriteHeader(g.status)
	return nil
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := g.commit(); err != nil {
		return 0, err
	}
	n, err := g.w.Write(p)
	g.written += int64(n)
	return n, err
}

// copyStream copies src to dst and reports read and write failures apart.
func copyStream(dst io.Writer, src io.Reader) (written int64, readErr, writeErr error) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, nil, werr
			}
			if m != n {
				return written, nil, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil, nil
		}
		if err != nil {
			return written, err, nil
		}
	}
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileName derives a download name from the title and the stored extension.
func fileName(title, fileRef string) string {
	base := strings.Trim(unsafeFileChars.ReplaceAllString(title, "_"), "_.")
	if base == "" {
		base = "book"
	}
	if len(base) > 80 {
		base = base[:80]
	}
	return base + strings.ToLower(path.Ext(fileRef))
}

func contentType(fileRef string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(fileRef))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func attachment(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
