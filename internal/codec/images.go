// Package codec provides image normalization and dialect error formatting.
package codec

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/codex-relay/internal/domain"
	"github.com/tjfontaine/codex-relay/internal/pkg/safehttp"
)

const (
	defaultMaxImageSize     = 20 * 1024 * 1024
	defaultFetchTimeout     = 30 * time.Second
	defaultFileReadTimeout  = 10 * time.Second
	defaultImageConcurrency = 4
	defaultMediaType        = "image/png"
)

var tracer = otel.Tracer("github.com/tjfontaine/codex-relay/internal/codec")

// ImageNormalizer resolves every supported image reference to a canonical
// media type plus bytes.
type ImageNormalizer struct {
	client          *http.Client
	maxSize         int64
	fetchTimeout    time.Duration
	fileReadTimeout time.Duration
	rootDir         string
	concurrency     int
}

// ImageNormalizerOption configures the normalizer.
type ImageNormalizerOption func(*ImageNormalizer)

// WithImageHTTPClient sets the HTTP client used for remote fetches.
func WithImageHTTPClient(client *http.Client) ImageNormalizerOption {
	return func(n *ImageNormalizer) {
		n.client = client
	}
}

// WithMaxSize sets the maximum allowed image size.
func WithMaxSize(maxSize int64) ImageNormalizerOption {
	return func(n *ImageNormalizer) {
		if maxSize > 0 {
			n.maxSize = maxSize
		}
	}
}

// WithFetchTimeout bounds a single remote fetch, independent of the request deadline.
func WithFetchTimeout(d time.Duration) ImageNormalizerOption {
	return func(n *ImageNormalizer) {
		if d > 0 {
			n.fetchTimeout = d
		}
	}
}

// WithFileReadTimeout bounds a single local file read.
func WithFileReadTimeout(d time.Duration) ImageNormalizerOption {
	return func(n *ImageNormalizer) {
		if d > 0 {
			n.fileReadTimeout = d
		}
	}
}

// WithRootDir restricts local reads to files under dir. Empty means unrestricted.
func WithRootDir(dir string) ImageNormalizerOption {
	return func(n *ImageNormalizer) {
		n.rootDir = dir
	}
}

// WithConcurrency sets how many images of one request resolve in parallel.
func WithConcurrency(limit int) ImageNormalizerOption {
	return func(n *ImageNormalizer) {
		if limit > 0 {
			n.concurrency = limit
		}
	}
}

// NewImageNormalizer creates a normalizer. Remote fetches default to a
// transport that refuses private and loopback addresses.
func NewImageNormalizer(opts ...ImageNormalizerOption) *ImageNormalizer {
	n := &ImageNormalizer{
		client: &http.Client{
			Transport: otelhttp.NewTransport(safehttp.NewTransport()),
		},
		maxSize:         defaultMaxImageSize,
		fetchTimeout:    defaultFetchTimeout,
		fileReadTimeout: defaultFileReadTimeout,
		concurrency:     defaultImageConcurrency,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NormalizeRequest replaces every image reference in req with its canonical
// data URL form. Images resolve concurrently; block order is untouched.
func (n *ImageNormalizer) NormalizeRequest(ctx context.Context, req *domain.Request) error {
	if req.ImageCount() == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)

	for mi := range req.Messages {
		for bi := range req.Messages[mi].Content {
			block := &req.Messages[mi].Content[bi]
			if block.Type != domain.BlockImage {
				continue
			}
			g.Go(func() error {
				img, err := n.Normalize(gctx, block.Image)
				if err != nil {
					return err
				}
				detail := ""
				if block.Image != nil {
					detail = block.Image.Detail
				}
				block.Image = img.Reference(detail)
				return nil
			})
		}
	}

	return g.Wait()
}

// Normalize resolves one image reference.
func (n *ImageNormalizer) Normalize(ctx context.Context, ref *domain.ImageReference) (*domain.CanonicalImage, error) {
	if ref == nil {
		return nil, domain.ErrUnsupportedImageSource("image block has no source")
	}

	ctx, span := tracer.Start(ctx, "codec.NormalizeImage")
	defer span.End()
	span.SetAttributes(attribute.String("image.kind", string(ref.Kind)))

	img, err := n.normalize(ctx, ref)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("image.media_type", img.MediaType),
		attribute.Int("image.bytes", len(img.Bytes)),
	)
	return img, nil
}

func (n *ImageNormalizer) normalize(ctx context.Context, ref *domain.ImageReference) (*domain.CanonicalImage, error) {
	switch ref.Kind {
	case domain.ImageInlineBase64:
		return n.decodeInline(ref.Data, ref.MediaType)
	case domain.ImageDataURL:
		return parseDataURL(ref.URL)
	case domain.ImageRemoteURL:
		return n.fetch(ctx, ref.URL, ref.MediaType)
	case domain.ImageLocalPath:
		return n.readFile(ctx, ref.Path, ref.MediaType)
	case domain.ImageURLObject:
		return n.resolveURL(ctx, ref.URL, ref.MediaType)
	default:
		return nil, domain.ErrUnsupportedImageSource(fmt.Sprintf("unknown image source kind %q", ref.Kind))
	}
}

// resolveURL unwraps a URL string of unknown scheme.
func (n *ImageNormalizer) resolveURL(ctx context.Context, raw, mediaType string) (*domain.CanonicalImage, error) {
	ref := ClassifyImageURL(raw, mediaType)
	if ref.Kind == domain.ImageURLObject {
		return nil, domain.ErrUnsupportedImageSource(fmt.Sprintf("unsupported image URL: %s", truncate(raw, 64)))
	}
	return n.normalize(ctx, ref)
}

// ClassifyImageURL maps a URL-ish string to the matching reference variant.
// Strings that match no variant keep the image_url_object kind.
func ClassifyImageURL(raw, mediaType string) *domain.ImageReference {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, "data:"):
		return &domain.ImageReference{Kind: domain.ImageDataURL, URL: s, MediaType: mediaType}
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return &domain.ImageReference{Kind: domain.ImageRemoteURL, URL: s, MediaType: mediaType}
	case strings.HasPrefix(lower, "file://"):
		return &domain.ImageReference{Kind: domain.ImageLocalPath, Path: s, MediaType: mediaType}
	case looksLikeBase64Image(s):
		// Before the path check: JPEG payloads start with "/9j/".
		return &domain.ImageReference{Kind: domain.ImageInlineBase64, Data: s, MediaType: mediaType}
	case looksLikePath(s):
		return &domain.ImageReference{Kind: domain.ImageLocalPath, Path: s, MediaType: mediaType}
	default:
		return &domain.ImageReference{Kind: domain.ImageURLObject, URL: s, MediaType: mediaType}
	}
}

func looksLikePath(s string) bool {
	if s == "" {
		return false
	}
	if filepath.IsAbs(s) || strings.HasPrefix(s, "~/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") {
		return true
	}
	// Windows drive paths such as C:\images\a.png
	return len(s) > 2 && s[1] == ':' && (s[2] == '\\' || s[2] == '/')
}

func looksLikeBase64Image(s string) bool {
	if len(s) < 16 {
		return false
	}
	head := s
	if len(head) > 64 {
		head = head[:64]
	}
	head = head[:len(head)/4*4]
	decoded, err := base64.StdEncoding.DecodeString(head)
	if err != nil {
		return false
	}
	return sniffMediaType(decoded) != ""
}

func (n *ImageNormalizer) decodeInline(data, mediaType string) (*domain.CanonicalImage, error) {
	if strings.HasPrefix(data, "data:") {
		return parseDataURL(data)
	}
	if data == "" {
		return nil, domain.ErrUnsupportedImageSource("inline image has no data")
	}

	decoded, err := decodeBase64(data)
	if err != nil {
		return nil, domain.ErrUnsupportedImageSource("inline image is not valid base64").WithCause(err)
	}
	if int64(len(decoded)) > n.maxSize {
		return nil, imageTooLarge(int64(len(decoded)), n.maxSize)
	}

	resolved, err := resolveMediaType(mediaType, decoded, "")
	if err != nil {
		return nil, err
	}
	return &domain.CanonicalImage{MediaType: resolved, Bytes: decoded}, nil
}

// parseDataURL parses a data URL and decodes its base64 payload.
func parseDataURL(raw string) (*domain.CanonicalImage, error) {
	// Format: data:image/jpeg;base64,/9j/4AAQSkZ...
	if !strings.HasPrefix(strings.ToLower(raw), "data:") {
		return nil, domain.ErrUnsupportedImageSource("not a data URL")
	}

	content := raw[5:]
	commaIdx := strings.Index(content, ",")
	if commaIdx == -1 {
		return nil, domain.ErrUnsupportedImageSource("invalid data URL: missing comma separator")
	}

	metadata := content[:commaIdx]
	payload := content[commaIdx+1:]

	parts := strings.Split(metadata, ";")
	isBase64 := false
	for _, part := range parts[1:] {
		if strings.EqualFold(strings.TrimSpace(part), "base64") {
			isBase64 = true
			break
		}
	}
	if !isBase64 {
		return nil, domain.ErrUnsupportedImageSource("data URL must be base64 encoded")
	}

	decoded, err := decodeBase64(payload)
	if err != nil {
		return nil, domain.ErrUnsupportedImageSource("data URL payload is not valid base64").WithCause(err)
	}

	mediaType, err := resolveMediaType(parts[0], decoded, "")
	if err != nil {
		return nil, err
	}
	return &domain.CanonicalImage{MediaType: mediaType, Bytes: decoded}, nil
}

func (n *ImageNormalizer) fetch(ctx context.Context, rawURL, mediaType string) (*domain.CanonicalImage, error) {
	ctx, cancel := context.WithTimeout(ctx, n.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.ErrUnsupportedImageSource(fmt.Sprintf("invalid image URL: %v", err)).WithCause(err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, domain.ErrImageFetchTimeout(fmt.Sprintf("fetching %s timed out after %s", rawURL, n.fetchTimeout)).WithCause(err)
		}
		return nil, domain.ErrImageFetchFailed(fmt.Sprintf("failed to fetch image: %v", err)).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.ErrImageFetchFailed(fmt.Sprintf("failed to fetch image: status %d", resp.StatusCode))
	}

	if resp.ContentLength > n.maxSize {
		return nil, imageTooLarge(resp.ContentLength, n.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, n.maxSize+1))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, domain.ErrImageFetchTimeout(fmt.Sprintf("reading %s timed out after %s", rawURL, n.fetchTimeout)).WithCause(err)
		}
		return nil, domain.ErrImageFetchFailed(fmt.Sprintf("failed to read image: %v", err)).WithCause(err)
	}
	if int64(len(data)) > n.maxSize {
		return nil, imageTooLarge(int64(len(data)), n.maxSize)
	}

	declared := mediaType
	if ct := resp.Header.Get("Content-Type"); isSupportedMediaType(ct) {
		declared = ct
	}
	resolved, err := resolveMediaType(declared, data, req.URL.Path)
	if err != nil {
		return nil, err
	}
	return &domain.CanonicalImage{MediaType: resolved, Bytes: data}, nil
}

func (n *ImageNormalizer) readFile(ctx context.Context, ref, mediaType string) (*domain.CanonicalImage, error) {
	path, err := localPath(ref)
	if err != nil {
		return nil, err
	}
	if err := n.checkRoot(path); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.fileReadTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := n.readLimited(path)
		done <- result{data: data, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		if isTimeout(ctx, ctx.Err()) {
			return nil, domain.ErrImageFetchTimeout(fmt.Sprintf("reading %s timed out after %s", path, n.fileReadTimeout)).WithCause(ctx.Err())
		}
		return nil, domain.ErrImageFetchFailed(fmt.Sprintf("reading %s: %v", path, ctx.Err())).WithCause(ctx.Err())
	}

	switch {
	case res.err == nil:
	case errors.Is(res.err, os.ErrNotExist):
		return nil, domain.ErrFileNotFound(path).WithCause(res.err)
	case errors.Is(res.err, os.ErrPermission):
		return nil, domain.ErrUnsupportedImageSource(fmt.Sprintf("access to %s denied", path)).WithCause(res.err)
	default:
		var apiErr *domain.APIError
		if errors.As(res.err, &apiErr) {
			return nil, apiErr
		}
		return nil, domain.ErrUnsupportedImageSource(fmt.Sprintf("cannot read %s: %v", path, res.err)).WithCause(res.err)
	}

	resolved, err := resolveMediaType(mediaType, res.data, path)
	if err != nil {
		return nil, err
	}
	return &domain.CanonicalImage{MediaType: resolved, Bytes: res.data}, nil
}

func (n *ImageNormalizer) readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, domain.ErrUnsupportedImageSource(fmt.Sprintf("%s is a directory", path))
	}
	if info.Size() > n.maxSize {
		return nil, imageTooLarge(info.Size(), n.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, n.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > n.maxSize {
		return nil, imageTooLarge(int64(len(data)), n.maxSize)
	}
	return data, nil
}

// localPath turns a file:// URI or a filesystem path into a clean absolute path.
func localPath(ref string) (string, error) {
	p := strings.TrimSpace(ref)
	if strings.HasPrefix(strings.ToLower(p), "file://") {
		u, err := url.Parse(p)
		if err != nil {
			return "", domain.ErrUnsupportedImageSource(fmt.Sprintf("invalid file URI: %v", err)).WithCause(err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return "", domain.ErrUnsupportedImageSource(fmt.Sprintf("file URI host %q is not local", u.Host))
		}
		p = u.Path
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", domain.ErrUnsupportedImageSource("cannot resolve home directory").WithCause(err)
		}
		p = filepath.Join(home, p[2:])
	}
	if p == "" {
		return "", domain.ErrUnsupportedImageSource("empty image path")
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", domain.ErrUnsupportedImageSource(fmt.Sprintf("invalid image path: %v", err)).WithCause(err)
	}
	return abs, nil
}

func (n *ImageNormalizer) checkRoot(path string) error {
	if n.rootDir == "" {
		return nil
	}
	root, err := filepath.Abs(n.rootDir)
	if err != nil {
		return domain.ErrServer(fmt.Sprintf("invalid image root: %v", err))
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return domain.ErrUnsupportedImageSource(fmt.Sprintf("access to %s denied: outside %s", path, root)).
			WithCode(domain.ErrorCodeOutsideRoot)
	}
	return nil
}

// decodeBase64 accepts standard and URL alphabets, with or without padding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)

	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(s)
		if err == nil {
			return decoded, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// resolveMediaType picks the declared type when supported, then magic bytes,
// then the file extension of hint, then image/png.
func resolveMediaType(declared string, data []byte, hint string) (string, error) {
	if declared != "" {
		if isSupportedMediaType(declared) {
			return normalizeMediaType(declared), nil
		}
		if !isGenericMediaType(declared) {
			return "", domain.ErrUnsupportedImageSource(fmt.Sprintf("unsupported media type: %s", declared))
		}
	}
	if sniffed := sniffMediaType(data); sniffed != "" {
		return sniffed, nil
	}
	if hint != "" {
		if inferred := inferMediaType(hint); inferred != "" {
			return inferred, nil
		}
	}
	return defaultMediaType, nil
}

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	gifMagic  = []byte("GIF8")
)

// sniffMediaType detects PNG, JPEG, GIF and WebP signatures.
func sniffMediaType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return "image/png"
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg"
	case bytes.HasPrefix(data, gifMagic):
		return "image/gif"
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	default:
		return ""
	}
}

// inferMediaType attempts to infer the media type from a path or URL.
func inferMediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

// isSupportedMediaType checks if the media type is one the upstream accepts.
func isSupportedMediaType(mediaType string) bool {
	switch normalizeMediaType(mediaType) {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}

// isGenericMediaType reports types that carry no image information.
func isGenericMediaType(mediaType string) bool {
	switch normalizeMediaType(mediaType) {
	case "", "application/octet-stream", "binary/octet-stream", "image/*":
		return true
	default:
		return false
	}
}

// normalizeMediaType normalizes the media type to a standard format.
func normalizeMediaType(mediaType string) string {
	mainType := strings.Split(mediaType, ";")[0]
	mainType = strings.TrimSpace(strings.ToLower(mainType))

	if mainType == "image/jpg" {
		return "image/jpeg"
	}
	return mainType
}

func imageTooLarge(size, maxSize int64) *domain.APIError {
	return domain.ErrUnsupportedImageSource(fmt.Sprintf("image too large: %d bytes (max %d)", size, maxSize)).
		WithCode(domain.ErrorCodeImageTooLarge)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
