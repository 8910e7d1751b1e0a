package ledger

import (
	"fmt"

	"github.com/apex/log"
	"github.com/hashicorp/go-multierror"
)

// Action attempts to obtain keys for a single build. A nil return marks the
// build terminally successful; an error counts against its attempt budget.
type Action func(build string) error

// Each runs action for every build that has not reached a terminal outcome,
// bounding total attempts per build at maxAttempts and saving the ledger
// after every mutation. Action errors are recorded, not propagated; only
// ledger save failures abort the traversal. The optional finalize callback
// runs after the traversal, even when it aborted early.
//
// Both update strategies (mirror crawl and index crawl) share this loop and
// differ only in the action and finalize they inject.
func (l *Ledger) Each(maxAttempts int, action Action, finalize func() error) (err error) {
	defer func() {
		if finalize == nil {
			return
		}
		if ferr := finalize(); ferr != nil {
			err = multierror.Append(err, ferr).ErrorOrNil()
		}
	}()

	if maxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1: got %d", maxAttempts)
	}

	for _, build := range l.Builds() {
		e, _ := l.Get(build)
		if e.Terminal {
			continue
		}
		log.WithFields(log.Fields{
			"build":   build,
			"attempt": fmt.Sprintf("%d/%d", e.Attempts+1, maxAttempts),
		}).Info("Trying build")
		if aerr := action(build); aerr != nil {
			log.WithError(aerr).WithField("build", build).Warn("attempt failed")
			if err := l.Fail(build, maxAttempts); err != nil {
				return err
			}
			if e, _ := l.Get(build); e.Terminal {
				log.WithField("build", build).Warnf("giving up after %d attempts", maxAttempts)
			}
			continue
		}
		if err := l.Succeed(build); err != nil {
			return err
		}
	}

	return nil
}
