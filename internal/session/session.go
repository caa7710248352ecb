// Package session manages the single per-database trading session: start,
// resume, force-new and end, with the text archive written before any state
// is reset or marked stopped.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/g13-desktop/trading-engine/internal/ledger"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/g13-desktop/trading-engine/pkg/utils"
	"go.uber.org/zap"
)

// ErrNoActiveSession is returned by End when nothing is running.
var ErrNoActiveSession = errors.New("session: no active session")

// Manager owns the session record and its archive lifecycle.
type Manager struct {
	logger *zap.Logger
	store  *ledger.Ledger
	agents []string

	mu  sync.Mutex
	now func() time.Time
}

// NewManager creates a session manager over the given agent set.
func NewManager(logger *zap.Logger, store *ledger.Ledger, agents []string) *Manager {
	return &Manager{
		logger: logger.Named("session"),
		store:  store,
		agents: agents,
		now:    time.Now,
	}
}

// Current returns the session record and whether one exists.
func (m *Manager) Current() (types.Session, bool) {
	return m.store.Session()
}

// Active reports whether a session is currently running.
func (m *Manager) Active() bool {
	sess, ok := m.store.Session()
	return ok && sess.Status == types.SessionActive
}

// Start begins or resumes a session. An active session is resumed as-is
// (idempotent), patching a missing start balance when one is now known. A
// stopped session is superseded by a fresh record with the ledgers left
// intact. forceNew archives the running session's ledger first, then resets
// all session state and opens a fresh record. balance may be zero when the
// terminal is unreachable.
func (m *Manager) Start(balance float64, forceNew bool) (types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.store.Session()
	if exists && sess.Status == types.SessionActive && !forceNew {
		if sess.BalanceStart == 0 && balance > 0 {
			sess.BalanceStart = balance
			m.store.SaveSession(sess)
			m.logger.Info("Resumed session, start balance patched",
				zap.String("session", sess.ID),
				zap.Float64("balance", balance),
			)
		} else {
			m.logger.Info("Resumed session", zap.String("session", sess.ID))
		}
		return sess, true
	}

	if exists && forceNew {
		// A session ended via End was archived there; re-archiving would
		// duplicate the report. Only a still-active session being replaced
		// carries unarchived history.
		if sess.Status == types.SessionActive && m.hasArchivableContent() {
			m.archive(sess, balance)
		}
		m.store.ResetSessionState(m.agents)
	}

	fresh := types.Session{
		ID:           uuid.NewString()[:8],
		StartTime:    utils.Timestamp(m.now()),
		BalanceStart: balance,
		Status:       types.SessionActive,
	}
	m.store.SaveSession(fresh)
	m.logger.Info("Session started",
		zap.String("session", fresh.ID),
		zap.Float64("balance", balance),
		zap.Bool("force_new", forceNew),
	)
	return fresh, false
}

// End archives the running session and marks it stopped. The archive is
// written before the status flips so a crash between the two never loses
// the report. balance may be zero when the terminal is unreachable.
func (m *Manager) End(balance float64) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.store.Session()
	if !exists || sess.Status != types.SessionActive {
		return types.Session{}, ErrNoActiveSession
	}

	sess.EndTime = utils.Timestamp(m.now())
	if balance > 0 {
		sess.BalanceEnd = balance
		if sess.BalanceStart > 0 {
			sess.Profit = utils.RoundTo(balance-sess.BalanceStart, 2)
		}
	}

	m.archive(sess, balance)

	sess.Status = types.SessionStopped
	m.store.SaveSession(sess)
	m.logger.Info("Session ended",
		zap.String("session", sess.ID),
		zap.Float64("profit", sess.Profit),
	)
	return sess, nil
}

// archive writes the text report under history/. Failures are logged and
// swallowed: a lost report must never block the lifecycle.
func (m *Manager) archive(sess types.Session, balance float64) {
	if sess.EndTime == "" {
		sess.EndTime = utils.Timestamp(m.now())
	}
	if sess.BalanceEnd == 0 && balance > 0 {
		sess.BalanceEnd = balance
		if sess.BalanceStart > 0 {
			sess.Profit = utils.RoundTo(balance-sess.BalanceStart, 2)
		}
	}

	report := BuildReport(m.store, m.agents, sess)
	filename := archiveFilename(sess, m.now())
	if err := m.store.WriteArchive(filename, report); err != nil {
		m.logger.Error("Failed to write session archive",
			zap.String("file", filename),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("Session archived", zap.String("file", filename))
}

// hasArchivableContent reports whether the current session ledger holds
// anything worth a report: at least one closed trade, decision or ticket.
func (m *Manager) hasArchivableContent() bool {
	for _, agentID := range m.agents {
		if len(m.store.ClosedTrades(agentID)) > 0 {
			return true
		}
	}
	if len(m.store.Decisions(1)) > 0 {
		return true
	}
	return len(m.store.Tickets()) > 0
}
