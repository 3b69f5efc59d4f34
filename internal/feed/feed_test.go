package feed_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fanbase/market-engine/internal/config"
	"github.com/fanbase/market-engine/internal/feed"
	"github.com/fanbase/market-engine/internal/logger"
)

const scoreboardJSON = `{
  "games": [
    {
      "gameId": "0041900101",
      "startTimeUTC": "2020-08-18T22:30:00.000Z",
      "isGameActivated": true,
      "arena": {"name": "HP Field House"},
      "hTeam": {"triCode": "BOS", "score": "55"},
      "vTeam": {"triCode": "PHI", "score": "48"},
      "period": {"current": 3},
      "clock": "7:30"
    },
    {
      "gameId": "0041900102",
      "startTimeUTC": "2020-08-19T01:00:00.000Z",
      "isGameActivated": false,
      "arena": {"name": "AdventHealth Arena"},
      "hTeam": {"triCode": "LAL", "score": ""},
      "vTeam": {"triCode": "POR", "score": ""},
      "period": {"current": 0},
      "clock": ""
    }
  ]
}`

func newFeed(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *feed.HTTPFeed {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := feed.NewHTTPFeed(config.FeedConfig{
		URL:               srv.URL + "/prod/v1/" + feed.DateToken + "/scoreboard.json",
		Timeout:           timeout,
		RequestsPerMinute: 6000,
	}, logger.NewNop())
	t.Cleanup(func() { f.Close() })
	return f
}

func TestGames_Decodes(t *testing.T) {
	var gotPath string
	f := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, scoreboardJSON)
	}, time.Second)

	games, err := f.Games(context.Background())
	if err != nil {
		t.Fatalf("games: %v", err)
	}

	if !strings.HasPrefix(gotPath, "/prod/v1/") || strings.Contains(gotPath, feed.DateToken) {
		t.Errorf("date token not substituted: %s", gotPath)
	}
	if len(games) != 2 {
		t.Fatalf("got %d games, want 2", len(games))
	}

	g := games[0]
	if g.GameID != "0041900101" || !g.IsLive || g.HomeAbbr != "BOS" || g.AwayAbbr != "PHI" {
		t.Errorf("unexpected game %+v", g)
	}
	if g.HomeScore != 55 || g.AwayScore != 48 || g.Margin() != 7 {
		t.Errorf("scores %v-%v", g.HomeScore, g.AwayScore)
	}
	if g.Period != 3 || g.Clock != "7:30" || g.Arena != "HP Field House" {
		t.Errorf("period/clock/arena = %d %q %q", g.Period, g.Clock, g.Arena)
	}
	if want := time.Date(2020, 8, 18, 22, 30, 0, 0, time.UTC); !g.StartTime.Equal(want) {
		t.Errorf("start = %v, want %v", g.StartTime, want)
	}

	if games[1].Started() {
		t.Error("empty scores should decode as a game that has not started")
	}
}

func TestGames_ServerError(t *testing.T) {
	f := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}, time.Second)

	if _, err := f.Games(context.Background()); !errors.Is(err, feed.ErrFeedUnavailable) {
		t.Errorf("err = %v, want ErrFeedUnavailable", err)
	}
}

func TestGames_Malformed(t *testing.T) {
	f := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"games":[{"gameId":"1","startTimeUTC":"2020-08-18T22:30:00Z","hTeam":{"triCode":"BOS","score":"abc"},"vTeam":{"triCode":"PHI","score":"1"}}]}`)
	}, time.Second)

	if _, err := f.Games(context.Background()); !errors.Is(err, feed.ErrFeedUnavailable) {
		t.Errorf("err = %v, want ErrFeedUnavailable", err)
	}
}

func TestGames_Timeout(t *testing.T) {
	f := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	if _, err := f.Games(context.Background()); !errors.Is(err, feed.ErrFeedUnavailable) {
		t.Errorf("err = %v, want ErrFeedUnavailable", err)
	}
}
