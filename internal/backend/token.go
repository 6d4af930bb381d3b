package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const tokenRefreshEvery = time.Hour

var ErrNoToken = errors.New("no backend token available")

// TokenManager fetches and caches the crawler bearer token for one store,
// refreshing it hourly. Token blocks briefly while the first fetch is still
// in flight so early pushes don't fail spuriously.
type TokenManager struct {
	baseURL string
	storeID string
	http    *http.Client

	mu     sync.Mutex
	cached string
	stop   chan struct{}
}

func NewTokenManager(baseURL, storeID string) *TokenManager {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &TokenManager{
		baseURL: baseURL,
		storeID: storeID,
		http:    &http.Client{Timeout: 3 * time.Second},
	}
}

// Start fetches the initial token and begins the refresh loop.
func (m *TokenManager) Start(ctx context.Context) error {
	if err := m.refresh(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if m.stop == nil {
		m.stop = make(chan struct{})
		go m.loop(m.stop)
	}
	m.mu.Unlock()
	return nil
}

func (m *TokenManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

func (m *TokenManager) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(tokenRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.refresh(ctx); err != nil {
				log.Error().Err(err).Msg("token refresh failed, keeping previous token")
			}
			cancel()
		}
	}
}

func (m *TokenManager) refresh(ctx context.Context) error {
	url := fmt.Sprintf("%s/auth/token/stores/%s/role/singleCrawler", m.baseURL, m.storeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch token: status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	if body.Token == "" {
		return ErrNoToken
	}
	m.mu.Lock()
	m.cached = body.Token
	m.mu.Unlock()
	log.Info().Msg("backend token refreshed")
	return nil
}

// Token returns the cached token, waiting up to five seconds for the first
// fetch to land.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		m.mu.Lock()
		tok := m.cached
		m.mu.Unlock()
		if tok != "" {
			return tok, nil
		}
		if time.Now().After(deadline) {
			return "", ErrNoToken
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// SetToken seeds the cache directly; used by tests and by configurations
// that carry a static token.
func (m *TokenManager) SetToken(tok string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = tok
}
