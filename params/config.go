package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Market collects the static parameters InitializeMarket needs plus the
// node-local sizing for the four fixed-capacity accounts it allocates.
// Every field here is either wire-level (goes into the market record
// itself) or a one-time allocation decision a host makes before the market
// ever processes an instruction.
type Market struct {
	BaseLotSize      uint64
	QuoteLotSize     uint64
	FeeRateBps       uint8
	VaultSignerNonce uint64
	PcDustThreshold  uint64

	SlabNodes       int // capacity of each of the bids/asks slabs
	RequestQueueLen int // capacity of the request queue, in records
	EventQueueLen   int // capacity of the event queue, in records
}

// Crank controls the service loop that calls ConsumeEvents on a timer,
// playing the role an external crank driver does in a full deployment.
type Crank struct {
	PollInterval time.Duration
	EventsLimit  int // ConsumeEvents' per-call limit
}

// Monitor controls the read-only HTTP/WebSocket surface (pkg/monitor).
type Monitor struct {
	Addr            string
	DepthTickPeriod time.Duration
}

type Config struct {
	Market  Market
	Crank   Crank
	Monitor Monitor
}

// Default returns devnet-sized parameters: small enough that a slab or
// queue overflow is reachable in a short test run, which is useful for
// exercising the eviction and queue-full paths rather than masking them
// behind production-scale capacities.
func Default() Config {
	return Config{
		Market: Market{
			BaseLotSize:      1_000,
			QuoteLotSize:     1,
			FeeRateBps:       22,
			VaultSignerNonce: 0,
			PcDustThreshold:  500,
			SlabNodes:        4096,
			RequestQueueLen:  2048,
			EventQueueLen:    2048,
		},
		Crank: Crank{
			PollInterval: 200 * time.Millisecond,
			EventsLimit:  64,
		},
		Monitor: Monitor{
			Addr:            ":8080",
			DepthTickPeriod: 1 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables, in that priority order over the defaults above.
// envPath == "" loads .env from the current directory, matching
// godotenv's own default-path behavior.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("MARKET_BASE_LOT_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Market.BaseLotSize = n
		}
	}
	if v := os.Getenv("MARKET_QUOTE_LOT_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Market.QuoteLotSize = n
		}
	}
	if v := os.Getenv("MARKET_FEE_RATE_BPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.Market.FeeRateBps = uint8(n)
		}
	}
	if v := os.Getenv("MARKET_VAULT_SIGNER_NONCE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Market.VaultSignerNonce = n
		}
	}
	if v := os.Getenv("MARKET_PC_DUST_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Market.PcDustThreshold = n
		}
	}
	if v := os.Getenv("MARKET_SLAB_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Market.SlabNodes = n
		}
	}
	if v := os.Getenv("MARKET_REQUEST_QUEUE_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Market.RequestQueueLen = n
		}
	}
	if v := os.Getenv("MARKET_EVENT_QUEUE_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Market.EventQueueLen = n
		}
	}

	if v := os.Getenv("CRANK_POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Crank.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CRANK_EVENTS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Crank.EventsLimit = n
		}
	}

	if v := os.Getenv("MONITOR_ADDR"); v != "" {
		cfg.Monitor.Addr = v
	}
	if v := os.Getenv("MONITOR_DEPTH_TICK_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.DepthTickPeriod = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg
}
