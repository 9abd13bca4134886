package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	readercache "github.com/wolfeidau/reader-cache"
)

// DefaultTimeout is the default timeout for portal requests.
const DefaultTimeout = 30 * time.Second

// Portal is the HTTP client for the media portal API.
type Portal struct {
	baseURL string
	token   string
	client  *http.Client
}

// PortalOption configures a Portal.
type PortalOption func(*Portal)

// WithBaseURL sets the portal base URL.
func WithBaseURL(url string) PortalOption {
	return func(p *Portal) {
		p.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) PortalOption {
	return func(p *Portal) {
		p.client = client
	}
}

// WithBearerToken sets the bearer token for portal authentication.
func WithBearerToken(token string) PortalOption {
	return func(p *Portal) {
		p.token = token
	}
}

// NewPortal creates a new portal API client.
func NewPortal(opts ...PortalOption) *Portal {
	p := &Portal{
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Client = (*Portal)(nil)

func (p *Portal) setAuth(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}

// get performs a GET and returns the response after status handling.
// The caller must close the body on a nil error.
func (p *Portal) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	p.setAuth(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return resp, nil
}

// metadataDTO mirrors the portal's book payload.
type metadataDTO struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	ThumbnailPath string `json:"thumbnail_path"`
	TotalPages    int    `json:"total_pages"`
	Genre         string `json:"genre"`
	Year          int    `json:"year"`
	Description   string `json:"description"`
}

// FetchMetadata retrieves document metadata from the portal.
func (p *Portal) FetchMetadata(ctx context.Context, id readercache.DocumentID) (*readercache.MetadataRecord, error) {
	resp, err := p.get(ctx, fmt.Sprintf("%s/books/%d", p.baseURL, id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var dto metadataDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}

	return &readercache.MetadataRecord{
		ID:            readercache.DocumentID(dto.ID),
		Title:         dto.Title,
		Author:        dto.Author,
		ThumbnailPath: dto.ThumbnailPath,
		TotalPages:    dto.TotalPages,
		Genre:         dto.Genre,
		Year:          dto.Year,
		Description:   dto.Description,
	}, nil
}

// pageDTO mirrors the portal's page payload.
type pageDTO struct {
	Content    string `json:"content"`
	TotalPages int    `json:"total_pages"`
}

// FetchPage retrieves one page of a document from the portal.
func (p *Portal) FetchPage(ctx context.Context, id readercache.DocumentID, page int) (*PageResult, error) {
	resp, err := p.get(ctx, fmt.Sprintf("%s/books/%d/page/%d", p.baseURL, id, page))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var dto pageDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}

	return &PageResult{Content: dto.Content, TotalPages: dto.TotalPages}, nil
}

// progressDTO mirrors the portal's progress payload.
type progressDTO struct {
	Page        int       `json:"page"`
	ScrollRatio float64   `json:"scroll_ratio"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FetchProgress retrieves the remote reading position. A document the
// portal has never seen progress for yields ErrNotFound.
func (p *Portal) FetchProgress(ctx context.Context, id readercache.DocumentID) (*readercache.ProgressRecord, error) {
	resp, err := p.get(ctx, fmt.Sprintf("%s/progress/book/%d", p.baseURL, id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var dto progressDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("decoding progress: %w", err)
	}
	if dto.UpdatedAt.IsZero() {
		// The portal answers 200 with an empty record for unknown books.
		return nil, ErrNotFound
	}

	return &readercache.ProgressRecord{
		DocumentID:  id,
		Page:        dto.Page,
		ScrollRatio: dto.ScrollRatio,
		UpdatedAt:   dto.UpdatedAt,
	}, nil
}

// PushProgress writes a reading position to the portal.
func (p *Portal) PushProgress(ctx context.Context, id readercache.DocumentID, page int, scrollRatio float64) error {
	payload, err := json.Marshal(map[string]any{
		"item_type":    "book",
		"item_id":      int64(id),
		"page":         page,
		"scroll_ratio": scrollRatio,
	})
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/progress", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.setAuth(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d pushing progress", resp.StatusCode)
	}
	return nil
}

// FetchBlob downloads the full document file.
func (p *Portal) FetchBlob(ctx context.Context, id readercache.DocumentID) ([]byte, error) {
	resp, err := p.get(ctx, fmt.Sprintf("%s/books/%d/download", p.baseURL, id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

// WarmResource fetches a portal-relative resource reference and discards
// the body. Used by prefetch to warm the HTTP cache for images embedded
// in page markup.
func (p *Portal) WarmResource(ctx context.Context, ref string) error {
	resp, err := p.get(ctx, p.baseURL+ref)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
