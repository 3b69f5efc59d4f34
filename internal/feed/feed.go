// Package feed reads live game state from the scoreboard service.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/ratelimit"
	"resty.dev/v3"

	"github.com/fanbase/market-engine/internal/config"
	"github.com/fanbase/market-engine/internal/logger"
	"github.com/fanbase/market-engine/internal/metrics"
	"github.com/fanbase/market-engine/internal/model"
)

// ErrFeedUnavailable covers timeouts, transport failures and malformed
// responses.
var ErrFeedUnavailable = errors.New("feed: game feed unavailable")

// DateToken in the feed URL is replaced by the current date as YYYYMMDD.
const DateToken = "{date}"

// Feed lists today's games.
type Feed interface {
	Games(ctx context.Context) ([]model.GameSnapshot, error)
}

type HTTPFeed struct {
	c       *resty.Client
	url     string
	limiter ratelimit.Limiter
	now     func() time.Time
	loc     *time.Location

	logger logger.Logger
}

func NewHTTPFeed(cfg config.FeedConfig, logger logger.Logger) *HTTPFeed {
	client := resty.New().
		SetLogger(logger).
		SetTimeout(cfg.Timeout)

	return &HTTPFeed{
		c:       client,
		url:     cfg.URL,
		limiter: ratelimit.New(cfg.RequestsPerMinute, ratelimit.Per(time.Minute)),
		now:     time.Now,
		loc:     time.FixedZone("EDT", -4*60*60),
		logger:  logger,
	}
}

// Close releases the underlying HTTP client.
func (f *HTTPFeed) Close() error {
	return f.c.Close()
}

type scoreboard struct {
	Games []scoreboardGame `json:"games"`
}

type scoreboardTeam struct {
	TriCode string `json:"triCode"`
	Score   string `json:"score"`
}

type scoreboardGame struct {
	GameID          string `json:"gameId"`
	StartTimeUTC    string `json:"startTimeUTC"`
	IsGameActivated bool   `json:"isGameActivated"`
	Arena           struct {
		Name string `json:"name"`
	} `json:"arena"`
	HTeam  scoreboardTeam `json:"hTeam"`
	VTeam  scoreboardTeam `json:"vTeam"`
	Period struct {
		Current int `json:"current"`
	} `json:"period"`
	Clock string `json:"clock"`
}

func (f *HTTPFeed) Games(ctx context.Context) ([]model.GameSnapshot, error) {
	f.limiter.Take()

	url := strings.ReplaceAll(f.url, DateToken, f.now().In(f.loc).Format("20060102"))

	resp, err := f.c.R().
		SetResult(&scoreboard{}).
		SetContext(ctx).
		Get(url)
	if err != nil {
		metrics.FeedRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	f.logger.Debugf("got response %s status: %s, %s", url, resp.Status(), resp.Duration())

	if !resp.IsSuccess() {
		metrics.FeedRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: status %s", ErrFeedUnavailable, resp.Status())
	}

	board, ok := resp.Result().(*scoreboard)
	if !ok || board == nil {
		metrics.FeedRequests.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: empty response", ErrFeedUnavailable)
	}

	games, err := decodeGames(board.Games)
	if err != nil {
		metrics.FeedRequests.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	metrics.FeedRequests.WithLabelValues("ok").Inc()
	return games, nil
}

func decodeGames(raw []scoreboardGame) ([]model.GameSnapshot, error) {
	games := make([]model.GameSnapshot, 0, len(raw))
	for _, g := range raw {
		if g.GameID == "" || g.HTeam.TriCode == "" || g.VTeam.TriCode == "" {
			return nil, fmt.Errorf("game %q: missing id or team", g.GameID)
		}

		home, err := parseScore(g.HTeam.Score)
		if err != nil {
			return nil, fmt.Errorf("game %s: home score: %w", g.GameID, err)
		}
		away, err := parseScore(g.VTeam.Score)
		if err != nil {
			return nil, fmt.Errorf("game %s: away score: %w", g.GameID, err)
		}

		start, err := time.Parse(time.RFC3339, g.StartTimeUTC)
		if err != nil {
			return nil, fmt.Errorf("game %s: start time: %w", g.GameID, err)
		}

		games = append(games, model.GameSnapshot{
			GameID:    g.GameID,
			IsLive:    g.IsGameActivated,
			Arena:     g.Arena.Name,
			HomeAbbr:  g.HTeam.TriCode,
			AwayAbbr:  g.VTeam.TriCode,
			HomeScore: home,
			AwayScore: away,
			Period:    g.Period.Current,
			Clock:     g.Clock,
			StartTime: start.UTC(),
		})
	}
	return games, nil
}

// parseScore treats an empty score as zero.
func parseScore(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
