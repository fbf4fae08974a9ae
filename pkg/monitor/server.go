// Package monitor implements the read-only crank/monitoring HTTP and
// WebSocket surface: the full read-only view an operator or a crank
// driver needs, covering market accounting, book depth, queue occupancy,
// and the public fee schedule. It sits entirely outside the deterministic
// matching core; every handler reads account state, none write it.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kshenoy-dev/critbook/pkg/dex/dispatch"
	"github.com/kshenoy-dev/critbook/pkg/dex/fees"
	"github.com/kshenoy-dev/critbook/pkg/dex/matching"
	"github.com/kshenoy-dev/critbook/pkg/dex/slab"
)

// Server serves a single market's live state. It never mutates anything
// Dispatch owns; every handler that reads the accounts takes Lock for
// reading, mirroring the
// read/write split the host guarantees between an instruction's exclusive
// account access and any out-of-band observer.
type Server struct {
	Accounts *dispatch.Accounts
	Lock     *sync.RWMutex
	Log      *zap.Logger
	Clock    clock.Clock

	router *mux.Router
	hub    *hub
}

// New builds a Server over acc, guarded by lock (shared with whatever
// drives Dispatch calls against the same accounts).
func New(acc *dispatch.Accounts, lock *sync.RWMutex, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		Accounts: acc,
		Lock:     lock,
		Log:      log,
		Clock:    clock.New(),
		hub:      newHub(log),
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/market", s.handleMarket).Methods("GET")
	s.router.HandleFunc("/market/depth", s.handleDepth).Methods("GET")
	s.router.HandleFunc("/market/queues", s.handleQueues).Methods("GET")
	s.router.HandleFunc("/market/events/length", s.handleEventQueueLength).Methods("GET")
	s.router.HandleFunc("/market/fees", s.handleFees).Methods("GET")
	s.router.HandleFunc("/ws", s.hub.serveWS)
}

// Handler returns the CORS-wrapped router, for callers that want to embed
// the monitor surface behind their own listener instead of calling Serve.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	})
	return c.Handler(s.router)
}

// Serve starts the HTTP server on addr and, until stop is closed,
// broadcasts a depth snapshot to connected WebSocket clients every
// interval.
func (s *Server) Serve(addr string, interval time.Duration, stop <-chan struct{}) error {
	go s.hub.run()
	go s.broadcastLoop(interval, stop)
	s.Log.Info("monitor_server_starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) broadcastLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := s.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			msg, err := json.Marshal(DepthUpdate{Type: "depth", Data: s.depthSnapshot()})
			if err != nil {
				s.Log.Warn("monitor_depth_marshal_failed", zap.Error(err))
				continue
			}
			s.hub.send(msg)
		}
	}
}

// BroadcastEvent renders ev for the monitoring surface and pushes it to
// connected WebSocket clients. Intended as the onEvent hook passed to
// dispatch.Request when a host's crank loop calls ConsumeEvents, so
// observers see fills and outs as they're applied rather than only on the
// next depth tick.
func (s *Server) BroadcastEvent(ev matching.Event) {
	kind := "out"
	if ev.Flags.Has(matching.EventFill) {
		kind = "fill"
	}
	payload := EventPayload{
		Kind:              kind,
		Maker:             ev.Flags.Has(matching.EventMaker),
		Bid:               ev.Flags.Has(matching.EventBid),
		ReleaseFunds:      ev.Flags.Has(matching.EventReleaseFunds),
		OwnerSlot:         ev.OwnerSlot,
		NativeQtyReleased: ev.NativeQtyReleased,
		NativeQtyPaid:     ev.NativeQtyPaid,
		NativeFeeOrRebate: ev.NativeFeeOrRebate,
		ClientOrderID:     ev.ClientOrderID,
	}
	msg, err := json.Marshal(EventUpdate{Type: "event", Data: payload})
	if err != nil {
		s.Log.Warn("monitor_event_marshal_failed", zap.Error(err))
		return
	}
	s.hub.send(msg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	s.Lock.RLock()
	m := s.Accounts.Market
	summary := MarketSummary{
		BaseLotSize:            m.BaseLotSize,
		QuoteLotSize:           m.QuoteLotSize,
		BaseDepositsTotal:      m.BaseDepositsTotal,
		QuoteDepositsTotal:     m.QuoteDepositsTotal,
		QuoteFeesAccrued:       m.QuoteFeesAccrued,
		ReferrerRebatesAccrued: m.ReferrerRebatesAccrued,
		Disabled:               m.Disabled,
	}
	s.Lock.RUnlock()
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.depthSnapshot())
}

func (s *Server) depthSnapshot() DepthSnapshot {
	s.Lock.RLock()
	defer s.Lock.RUnlock()

	bids := collectLevels(s.Accounts.Bids)
	asks := collectLevels(s.Accounts.Asks)
	reverse(bids) // Iterate yields ascending key order; best bid has the highest key

	return DepthSnapshot{
		Bids:      bids,
		Asks:      asks,
		Timestamp: s.Clock.Now().UnixMilli(),
	}
}

// collectLevels walks sd in ascending key order and aggregates consecutive
// leaves sharing a price into one DepthLevel; same-price leaves are always
// adjacent in key order since price occupies a key's high bits.
func collectLevels(sd *slab.Slab) []DepthLevel {
	var levels []DepthLevel
	sd.Iterate(func(l *slab.LeafNode) bool {
		price := l.Price()
		if n := len(levels); n > 0 && levels[n-1].Price == price {
			levels[n-1].Quantity += l.Quantity
		} else {
			levels = append(levels, DepthLevel{Price: price, Quantity: l.Quantity})
		}
		return true
	})
	return levels
}

func reverse(levels []DepthLevel) {
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	s.Lock.RLock()
	status := QueueStatus{
		RequestQueueLen: s.Accounts.RequestQueue.Len(),
		RequestQueueCap: s.Accounts.RequestQueue.Capacity(),
		EventQueueLen:   s.Accounts.EventQueue.Len(),
		EventQueueCap:   s.Accounts.EventQueue.Capacity(),
	}
	s.Lock.RUnlock()
	respondJSON(w, http.StatusOK, status)
}

// handleEventQueueLength is the minimal polling contract an external
// crank driver relies on: just the event queue's current length.
func (s *Server) handleEventQueueLength(w http.ResponseWriter, r *http.Request) {
	s.Lock.RLock()
	n := s.Accounts.EventQueue.Len()
	s.Lock.RUnlock()
	respondJSON(w, http.StatusOK, map[string]uint64{"length": n})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	tiers := fees.AllTiers()
	out := make([]FeeTierInfo, len(tiers))
	for i, t := range tiers {
		out[i] = FeeTierInfo{
			Tier:           t.String(),
			TakerFeeBps:    t.TakerFeeBps(),
			MakerRebateBps: t.MakerRebateBps(),
			Threshold:      fees.DiscountThreshold[t],
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
