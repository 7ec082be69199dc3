// Package extractor fetches pages with colly and pulls media references out
// of the HTML with goquery.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/media"
	"github.com/JakeFAU/media-scraper/internal/policy/ratelimit"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

const (
	defaultTimeout = 10 * time.Second
	noAltText      = "No alt text"
)

var embedProviders = []string{"youtube", "vimeo", "dailymotion", "twitch", "video"}

// Config controls fetch behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes caps the downloaded document; zero keeps the colly default.
	MaxBodyBytes int
	// HostRPS limits fetches per host; zero disables the limit.
	HostRPS   float64
	HostBurst int
}

// Extractor implements media.Extractor.
type Extractor struct {
	cfg       Config
	transport http.RoundTripper
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

// New constructs an Extractor sharing one transport across fetches.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		cfg: cfg,
		transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			ForceAttemptHTTP2:     true,
		},
		limiter: ratelimit.New(ratelimit.Config{PerHostRPS: cfg.HostRPS, Burst: cfg.HostBurst}),
		logger:  logger,
	}
}

var _ media.Extractor = (*Extractor)(nil)

type fetched struct {
	body        []byte
	contentType string
	finalURL    *url.URL
}

// Extract fetches pageURL and returns its media candidates. Network failures,
// timeouts and error statuses wrap media.ErrFetch; non-HTML or unparsable
// bodies wrap media.ErrParse.
func (e *Extractor) Extract(ctx context.Context, pageURL string) ([]media.Candidate, error) {
	if err := e.limiter.Wait(ctx, pageURL); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", media.ErrFetch, pageURL, err)
	}
	page, err := e.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if !isHTML(page.contentType) {
		return nil, fmt.Errorf("%w: %s: unsupported content type %q", media.ErrParse, pageURL, page.contentType)
	}
	base := pageURL
	if page.finalURL != nil {
		base = page.finalURL.String()
	}
	found, err := Parse(bytes.NewReader(page.body), pageURL, base)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("extracted media", zap.String("url", pageURL), zap.Int("count", len(found)))
	return found, nil
}

func (e *Extractor) fetch(ctx context.Context, pageURL string) (fetched, error) {
	opts := []colly.CollectorOption{
		colly.UserAgent(e.cfg.UserAgent),
		colly.StdlibContext(ctx),
	}
	if e.cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(e.cfg.MaxBodyBytes))
	}
	c := colly.NewCollector(opts...)
	c.WithTransport(e.transport)
	c.SetRequestTimeout(e.cfg.Timeout)

	var (
		page     fetched
		fetchErr error
		got      bool
	)
	c.OnResponse(func(r *colly.Response) {
		got = true
		page.body = r.Body
		page.finalURL = r.Request.URL
		if r.Headers != nil {
			page.contentType = r.Headers.Get("Content-Type")
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		fetchErr = err
	})

	if err := c.Visit(pageURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		return fetched{}, fmt.Errorf("%w: %s: %w", media.ErrFetch, pageURL, fetchErr)
	}
	if err := ctx.Err(); err != nil {
		return fetched{}, fmt.Errorf("%w: %s: %w", media.ErrFetch, pageURL, err)
	}
	if !got {
		return fetched{}, fmt.Errorf("%w: %s: no response", media.ErrFetch, pageURL)
	}
	return page, nil
}

// Parse reads an HTML document and returns candidates in a fixed order:
// images, video elements, video sources, then video embeds, each in document
// order. pageURL is recorded on every candidate; relative sources resolve
// against base.
func Parse(r io.Reader, pageURL, base string) ([]media.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", media.ErrParse, pageURL, err)
	}
	baseURL, _ := url.Parse(base)

	var out []media.Candidate
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		alt, _ := s.Attr("alt")
		if alt == "" {
			alt = noAltText
		}
		out = append(out, media.Candidate{
			Kind:        media.KindImage,
			SourceSrc:   resolve(baseURL, src),
			PageURL:     pageURL,
			DisplayName: alt,
		})
	})
	for _, sel := range []string{"video[src]", "video source[src]"} {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if src, _ := s.Attr("src"); src != "" {
				out = append(out, media.Candidate{Kind: media.KindVideo, SourceSrc: resolve(baseURL, src), PageURL: pageURL})
			}
		})
	}
	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		if src, _ := s.Attr("src"); src != "" && isVideoEmbed(src) {
			out = append(out, media.Candidate{Kind: media.KindVideo, SourceSrc: src, PageURL: pageURL})
		}
	})
	return out, nil
}

// resolve makes src absolute against base, keeping it verbatim when either
// side does not parse.
func resolve(base *url.URL, src string) string {
	if base == nil {
		return src
	}
	ref, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return src
	}
	return base.ResolveReference(ref).String()
}

func isVideoEmbed(src string) bool {
	lower := strings.ToLower(src)
	for _, p := range embedProviders {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html")
}
