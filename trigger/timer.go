package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Dispatcher routes triggers. Satisfied by *Gateway; tests substitute
// a recorder.
type Dispatcher interface {
	Dispatch(ctx context.Context, trg Trigger) Result
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type timerEntry struct {
	name  string
	expr  string
	sched cronlib.Schedule
	next  time.Time
}

// TimerSourceOption configures a TimerSource.
type TimerSourceOption func(*TimerSource)

// WithTickInterval sets how often the timer source checks for due
// schedules.
func WithTickInterval(d time.Duration) TimerSourceOption {
	return func(s *TimerSource) { s.tickInterval = d }
}

// TimerSource turns cron schedules into timer triggers. Each firing
// dispatches a trigger whose correlation key is the schedule name
// suffixed with the scheduled firing time, so every firing is a
// distinct event and redeliveries of the same firing dedupe on the
// started execution's idempotency key.
type TimerSource struct {
	dispatcher   Dispatcher
	logger       *slog.Logger
	tickInterval time.Duration

	mu      sync.Mutex
	entries []*timerEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTimerSource creates a TimerSource.
func NewTimerSource(d Dispatcher, logger *slog.Logger, opts ...TimerSourceOption) *TimerSource {
	s := &TimerSource{
		dispatcher:   d,
		logger:       logger,
		tickInterval: time.Second,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSchedule registers a named cron schedule. The name becomes the
// correlation key prefix of every trigger the schedule fires.
func (s *TimerSource) AddSchedule(name, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("trigger: invalid schedule %q for %q: %w", expr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &timerEntry{
		name:  name,
		expr:  expr,
		sched: sched,
		next:  sched.Next(time.Now().UTC()),
	})
	return nil
}

// Start launches the tick loop. It returns immediately.
func (s *TimerSource) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("timer source started",
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the tick loop to stop and waits for it to finish.
func (s *TimerSource) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("timer source stopped")
	return nil
}

func (s *TimerSource) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fireDue(time.Now().UTC())
		}
	}
}

// fireDue dispatches a trigger for every schedule whose next firing
// time has arrived, then advances it.
func (s *TimerSource) fireDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if entry.next.After(now) {
			continue
		}
		firedAt := entry.next
		entry.next = entry.sched.Next(now)

		trg := Trigger{
			Kind:           KindTimer,
			CorrelationKey: fmt.Sprintf("%s@%s", entry.name, firedAt.Format(time.RFC3339)),
			Payload:        []byte(fmt.Sprintf(`{"fired_at":%q,"schedule":%q}`, firedAt.Format(time.RFC3339Nano), entry.expr)),
			ReceivedAt:     now,
		}
		res := s.dispatcher.Dispatch(context.Background(), trg)

		s.logger.Info("timer fired",
			slog.String("schedule", entry.name),
			slog.Time("fired_at", firedAt),
			slog.String("outcome", string(res.Outcome)),
		)
	}
}
