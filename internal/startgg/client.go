// Package startgg is a small client for the start.gg GraphQL API.
package startgg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/gjallarhorn/internal/cache"
	"github.com/DoyleJ11/gjallarhorn/internal/errs"
)

const (
	APIURL = "https://api.start.gg/gql/alpha"
	Source = "start.gg"

	maxTries       = 5
	entrantTTL     = 10 * time.Minute
	requestTimeout = 5 * time.Second
)

var errUnavailable = errors.New("start.gg unavailable (503)")

// Recorder is told about every request sent upstream.
type Recorder interface {
	RecordStartGG()
}

type Client struct {
	url        string
	key        string
	http       *http.Client
	limiter    *rate.Limiter
	cache      *cache.Cache
	recorder   Recorder
	retryPause time.Duration
	log        *zap.Logger
}

type Option func(*Client)

func WithURL(url string) Option { return func(c *Client) { c.url = url } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLimiter replaces the default limit of 80 requests per minute.
func WithLimiter(l *rate.Limiter) Option { return func(c *Client) { c.limiter = l } }

func WithRecorder(r Recorder) Option { return func(c *Client) { c.recorder = r } }

func WithRetryPause(d time.Duration) Option { return func(c *Client) { c.retryPause = d } }

func New(key string, c *cache.Cache, log *zap.Logger, opts ...Option) *Client {
	cl := &Client{
		url:        APIURL,
		key:        key,
		http:       &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/80), 10),
		cache:      c,
		retryPause: 150 * time.Millisecond,
		log:        log.Named("StartGG"),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Query runs query and decodes its data into out. Results are cached for
// ttl; zero disables caching. Failures are fatal *errs.Error values that
// callers downgrade when they can carry on.
func (c *Client) Query(ctx context.Context, query string, vars map[string]any, ttl time.Duration, out any) error {
	key, err := json.Marshal(vars)
	if err != nil {
		return err
	}
	data, err := cache.Get(ctx, c.cache, query+string(key), ttl, func(ctx context.Context) (json.RawMessage, error) {
		return c.do(ctx, query, vars)
	})
	if err != nil {
		c.log.Error("query failed", zap.Error(err), zap.String("query", query), zap.ByteString("variables", key))
		return errs.Fatal("start.gg query error!", Source, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Fatal("unexpected start.gg response", Source, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for try := 0; try < maxTries; try++ {
		if try > 0 {
			select {
			case <-time.After(c.retryPause):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if c.recorder != nil {
			c.recorder.RecordStartGG()
		}

		data, err := c.post(ctx, body)
		if errors.Is(err, errUnavailable) {
			c.log.Warn("got 503 from start.gg", zap.Int("try", try+1))
			lastErr = err
			continue
		}
		return data, err
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case res.StatusCode == http.StatusServiceUnavailable:
		return nil, errUnavailable
	case res.StatusCode/100 != 2:
		return nil, fmt.Errorf("start.gg responded %d: %s", res.StatusCode, bytes.TrimSpace(raw))
	}

	var gr gqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	return gr.Data, nil
}

const tournamentMetaQuery = `query($slug: String) {
  tournament(slug: $slug) {
    id
    name
    events {
      id
      name
      entrantSizeMax
      phases {
        id
        name
        numSeeds
        phaseGroups(query: {perPage: -1}) {
          nodes { id bracketType displayIdentifier }
        }
      }
    }
  }
}`

// TournamentMeta returns the events, phases and phase groups of a
// tournament. It returns nil, nil for an unknown slug.
func (c *Client) TournamentMeta(ctx context.Context, slug string) (*Tournament, error) {
	var out struct {
		Tournament *Tournament `json:"tournament"`
	}
	if err := c.Query(ctx, tournamentMetaQuery, map[string]any{"slug": slug}, cache.DefaultTTL, &out); err != nil {
		return nil, withMessage(err, "Error when fetching tournament information.")
	}
	return out.Tournament, nil
}

const phaseGroupSetsQuery = `query ($phaseGroupId: ID!, $page: Int) {
  phaseGroup(id: $phaseGroupId) {
    id
    sets(page: $page, perPage: 150, sortType: CALL_ORDER) {
      pageInfo { totalPages }
      nodes {
        id
        winnerId
        fullRoundText
        round
        identifier
        slots { entrant { id name } }
      }
    }
  }
}`

type setsPage struct {
	PhaseGroup *struct {
		Sets struct {
			PageInfo struct {
				TotalPages int `json:"totalPages"`
			} `json:"pageInfo"`
			Nodes []Set `json:"nodes"`
		} `json:"sets"`
	} `json:"phaseGroup"`
}

// PhaseGroupSets returns every set in a phase group in call order. Pages
// after the first are fetched in parallel. Never cached.
func (c *Client) PhaseGroupSets(ctx context.Context, phaseGroupID int) ([]Set, error) {
	fetch := func(ctx context.Context, page int) (setsPage, error) {
		var p setsPage
		err := c.Query(ctx, phaseGroupSetsQuery, map[string]any{"phaseGroupId": phaseGroupID, "page": page}, 0, &p)
		if err == nil && p.PhaseGroup == nil {
			err = errs.Fatal(fmt.Sprintf("phase group %d not found", phaseGroupID), Source, nil)
		}
		return p, err
	}

	first, err := fetch(ctx, 1)
	if err != nil {
		return nil, withMessage(err, "Error when fetching sets.")
	}
	sets := first.PhaseGroup.Sets.Nodes
	total := first.PhaseGroup.Sets.PageInfo.TotalPages
	if total <= 1 {
		return sets, nil
	}

	pages := make([][]Set, total-1)
	g, gctx := errgroup.WithContext(ctx)
	for i := range pages {
		g.Go(func() error {
			p, err := fetch(gctx, i+2)
			if err != nil {
				return err
			}
			pages[i] = p.PhaseGroup.Sets.Nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, withMessage(err, "Error when fetching sets.")
	}
	for _, p := range pages {
		sets = append(sets, p...)
	}
	return sets, nil
}

const entrantsByNameQuery = `query ($eventId: ID, $name: String) {
  event(id: $eventId) {
    entrants(query: {perPage: 5, filter: {name: $name}}) {
      nodes { id name initialSeedNum }
    }
  }
}`

// EntrantsByName searches an event's entrants, best seeds first.
func (c *Client) EntrantsByName(ctx context.Context, name string, eventID int) ([]Entrant, error) {
	var out struct {
		Event *struct {
			Entrants struct {
				Nodes []Entrant `json:"nodes"`
			} `json:"entrants"`
		} `json:"event"`
	}
	vars := map[string]any{"name": name, "eventId": eventID}
	if err := c.Query(ctx, entrantsByNameQuery, vars, entrantTTL, &out); err != nil {
		return nil, withMessage(err, "Error when fetching entrants.")
	}
	if out.Event == nil {
		return nil, nil
	}
	entrants := out.Event.Entrants.Nodes
	sort.SliceStable(entrants, func(i, j int) bool {
		return seedOf(entrants[i]) < seedOf(entrants[j])
	})
	return entrants, nil
}

func seedOf(e Entrant) int {
	if e.InitialSeedNum == nil || *e.InitialSeedNum <= 0 {
		return int(^uint(0) >> 1)
	}
	return *e.InitialSeedNum
}

const setFields = `id
      state
      winnerId
      fullRoundText
      round
      identifier
      startAt
      slots {
        standing { stats { score { value } } }
        entrant { id name }
      }`

const streamQueuesQuery = `query ($slug: String) {
  tournament(slug: $slug) {
    streamQueue {
      stream { streamName }
      sets {
      ` + setFields + `
      }
    }
  }
}`

// StreamQueues returns every stream queue of a tournament. Never cached.
func (c *Client) StreamQueues(ctx context.Context, slug string) ([]StreamQueue, error) {
	var out struct {
		Tournament *struct {
			StreamQueue []StreamQueue `json:"streamQueue"`
		} `json:"tournament"`
	}
	if err := c.Query(ctx, streamQueuesQuery, map[string]any{"slug": slug}, 0, &out); err != nil {
		return nil, withMessage(err, "Error when fetching stream queues.")
	}
	if out.Tournament == nil {
		return nil, nil
	}
	return out.Tournament.StreamQueue, nil
}

const setByIDQuery = `query ($setId: ID!) {
  set(id: $setId) {
    ` + setFields + `
  }
}`

// SetByID returns a single set, or nil, nil when it no longer exists.
// Never cached.
func (c *Client) SetByID(ctx context.Context, id ID) (*Set, error) {
	var out struct {
		Set *Set `json:"set"`
	}
	if err := c.Query(ctx, setByIDQuery, map[string]any{"setId": string(id)}, 0, &out); err != nil {
		return nil, withMessage(err, "Error when fetching set.")
	}
	return out.Set, nil
}

// withMessage replaces the operator-facing message of a classified error.
func withMessage(err error, message string) error {
	var e *errs.Error
	if errors.As(err, &e) {
		e.Message = message
		return e
	}
	return errs.Fatal(message, Source, err)
}
