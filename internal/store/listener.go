package store

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/logging"
)

// ResyncAll is delivered on the change channel when the listener reconnected
// and may have missed notifications; consumers should reload the full
// connector set. Connector ids from the database are always >= 1.
const ResyncAll int64 = 0

// ChangeListener consumes the connectors_changed LISTEN/NOTIFY channel and
// turns payloads (stringified connector ids) into a stream of int64 ids.
type ChangeListener struct {
	pl      *pq.Listener
	changes chan int64
	done    chan struct{}
	once    sync.Once
}

// NewChangeListener opens a dedicated listening connection against dbURL and
// subscribes to the connectors_changed channel.
func NewChangeListener(dbURL string) (*ChangeListener, error) {
	log := logging.WithComponent("store.listener")

	pl := pq.NewListener(dbURL, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Error().Err(err).Int("event", int(ev)).Msg("listener connection event")
		}
	})
	if err := pl.Listen(NotifyChannel); err != nil {
		pl.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	cl := &ChangeListener{
		pl:      pl,
		changes: make(chan int64, 32),
		done:    make(chan struct{}),
	}
	go cl.run(log)
	return cl, nil
}

// Changes returns the stream of changed connector ids. The channel closes
// when the listener is closed. A ResyncAll value signals a reconnect during
// which notifications may have been lost.
func (cl *ChangeListener) Changes() <-chan int64 {
	return cl.changes
}

// Close tears down the listening connection and closes the change channel.
func (cl *ChangeListener) Close() error {
	var err error
	cl.once.Do(func() {
		close(cl.done)
		err = cl.pl.Close()
	})
	return err
}

func (cl *ChangeListener) run(log zerolog.Logger) {
	defer close(cl.changes)
	for {
		select {
		case <-cl.done:
			return
		case n, ok := <-cl.pl.Notify:
			if !ok {
				return
			}
			if n == nil {
				// lib/pq delivers nil after a reconnect; anything sent while
				// the connection was down is gone.
				log.Warn().Msg("listener reconnected, requesting full resync")
				cl.deliver(ResyncAll)
				continue
			}
			id, err := strconv.ParseInt(strings.TrimSpace(n.Extra), 10, 64)
			if err != nil || id <= 0 {
				log.Warn().Str("payload", n.Extra).Msg("ignoring malformed change notification")
				continue
			}
			cl.deliver(id)
		case <-time.After(90 * time.Second):
			go func() {
				if err := cl.pl.Ping(); err != nil {
					log.Error().Err(err).Msg("listener ping failed")
				}
			}()
		}
	}
}

func (cl *ChangeListener) deliver(id int64) {
	select {
	case cl.changes <- id:
	case <-cl.done:
	}
}
