// Package enrich fetches optional market context (crowd sentiment and
// futures positioning). Everything here is best-effort: failures return nil
// and must never block a trading cycle.
package enrich

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// SentimentData is the crowd-sentiment view offered to the prompt.
type SentimentData struct {
	FearGreedIndex int    `json:"fear_greed_index"`
	FearGreedLabel string `json:"fear_greed_label"`
	GlobalBias     string `json:"global_bias"`
}

// FuturesData is the derivatives positioning view offered to the prompt.
type FuturesData struct {
	FundingRate        float64 `json:"funding_rate"`
	LongShortRatio     float64 `json:"long_short_ratio"`
	OrderbookImbalance float64 `json:"orderbook_imbalance_pct"`
	OrderbookBias      string  `json:"orderbook_bias"`
}

const (
	fearGreedURL = "https://api.alternative.me/fng/"
	fundingURL   = "https://fapi.binance.com/fapi/v1/premiumIndex"
	longShortURL = "https://fapi.binance.com/futures/data/globalLongShortAccountRatio"
	depthURL     = "https://fapi.binance.com/fapi/v1/depth"
)

// Service caches enrichment lookups for a short TTL so three agents in one
// tick share a single upstream round trip.
type Service struct {
	logger  *zap.Logger
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration

	mu          sync.Mutex
	sentiment   *SentimentData
	sentimentAt time.Time
	futures     *FuturesData
	futuresAt   time.Time
}

// NewService creates the enrichment service.
func NewService(logger *zap.Logger, ttl time.Duration) *Service {
	log := logger.Named("enrich")
	return &Service{
		logger: log,
		http:   resty.New().SetTimeout(5 * time.Second),
		ttl:    ttl,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "enrich",
			Timeout: 5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Sentiment returns the cached or freshly fetched sentiment view, nil when
// unavailable.
func (s *Service) Sentiment() *SentimentData {
	s.mu.Lock()
	if s.sentiment != nil && time.Since(s.sentimentAt) < s.ttl {
		cached := s.sentiment
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetchSentiment()
	})
	if err != nil {
		s.logger.Debug("Sentiment fetch failed", zap.Error(err))
		return nil
	}
	data := out.(*SentimentData)

	s.mu.Lock()
	s.sentiment = data
	s.sentimentAt = time.Now()
	s.mu.Unlock()
	return data
}

func (s *Service) fetchSentiment() (*SentimentData, error) {
	var parsed struct {
		Data []struct {
			Value          string `json:"value"`
			Classification string `json:"value_classification"`
		} `json:"data"`
	}
	resp, err := s.http.R().SetResult(&parsed).Get(fearGreedURL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() || len(parsed.Data) == 0 {
		return nil, errStatus(resp.StatusCode())
	}

	value, _ := strconv.Atoi(parsed.Data[0].Value)
	data := &SentimentData{
		FearGreedIndex: value,
		FearGreedLabel: parsed.Data[0].Classification,
	}
	switch {
	case value < 30:
		// Extreme fear historically marks accumulation zones.
		data.GlobalBias = "bullish"
	case value > 70:
		data.GlobalBias = "bearish"
	default:
		data.GlobalBias = "neutral"
	}
	return data, nil
}

// Futures returns the cached or freshly fetched derivatives view for the
// symbol, nil when unavailable.
func (s *Service) Futures(symbol string) *FuturesData {
	s.mu.Lock()
	if s.futures != nil && time.Since(s.futuresAt) < s.ttl {
		cached := s.futures
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetchFutures(futuresSymbol(symbol))
	})
	if err != nil {
		s.logger.Debug("Futures fetch failed", zap.Error(err))
		return nil
	}
	data := out.(*FuturesData)

	s.mu.Lock()
	s.futures = data
	s.futuresAt = time.Now()
	s.mu.Unlock()
	return data
}

func (s *Service) fetchFutures(symbol string) (*FuturesData, error) {
	data := &FuturesData{}

	var premium struct {
		LastFundingRate string `json:"lastFundingRate"`
	}
	resp, err := s.http.R().
		SetQueryParam("symbol", symbol).
		SetResult(&premium).
		Get(fundingURL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, errStatus(resp.StatusCode())
	}
	data.FundingRate, _ = strconv.ParseFloat(premium.LastFundingRate, 64)

	var ratios []struct {
		LongShortRatio string `json:"longShortRatio"`
	}
	if resp, err := s.http.R().
		SetQueryParams(map[string]string{"symbol": symbol, "period": "1h", "limit": "1"}).
		SetResult(&ratios).
		Get(longShortURL); err == nil && !resp.IsError() && len(ratios) > 0 {
		data.LongShortRatio, _ = strconv.ParseFloat(ratios[0].LongShortRatio, 64)
	}

	var depth struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if resp, err := s.http.R().
		SetQueryParams(map[string]string{"symbol": symbol, "limit": "100"}).
		SetResult(&depth).
		Get(depthURL); err == nil && !resp.IsError() {
		bidVol := sideVolume(depth.Bids)
		askVol := sideVolume(depth.Asks)
		if total := bidVol + askVol; total > 0 {
			data.OrderbookImbalance = math.Round((bidVol-askVol)/total*10000) / 100
		}
		switch {
		case data.OrderbookImbalance > 10:
			data.OrderbookBias = "bullish"
		case data.OrderbookImbalance < -10:
			data.OrderbookBias = "bearish"
		default:
			data.OrderbookBias = "neutral"
		}
	}

	return data, nil
}

func sideVolume(levels [][]string) float64 {
	total := 0.0
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		qty, _ := strconv.ParseFloat(lvl[1], 64)
		total += qty
	}
	return total
}

// futuresSymbol maps a terminal symbol onto its Binance futures pair.
func futuresSymbol(symbol string) string {
	switch symbol {
	case "BTCUSD", "BTCUSDm", "BTCUSDT":
		return "BTCUSDT"
	case "ETHUSD", "ETHUSDm":
		return "ETHUSDT"
	default:
		return "BTCUSDT"
	}
}

type errStatus int

func (e errStatus) Error() string {
	return "enrich: http status " + strconv.Itoa(int(e))
}
