package journal

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/kustocopy/internal/blob"
)

// stagedBlock is content already written to the blob but not committed.
type stagedBlock struct {
	id      ID
	stageID string
	data    []byte
}

// commitItem is one transaction waiting for the pump.
type commitItem struct {
	adds    []stagedBlock
	updates []stagedBlock
	deletes []ID
	done    chan error // buffered, size 1
}

// wait blocks until the pump answers. If the pump has stopped, a final
// non-blocking check distinguishes a last-moment answer from ErrClosed.
func (c *commitItem) wait(stopped <-chan struct{}) error {
	select {
	case err := <-c.done:
		return err
	case <-stopped:
		select {
		case err := <-c.done:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *commitItem) addedIDs() []ID {
	ids := make([]ID, len(c.adds))
	for i, a := range c.adds {
		ids[i] = a.id
	}
	return ids
}

// commitLoop is the single committer. It exits when Close is called.
func (s *Store) commitLoop() {
	defer close(s.stopped)

	for {
		select {
		case item := <-s.pending:
			batch := []*commitItem{item}
		drain:
			for {
				select {
				case next := <-s.pending:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			s.commitBatch(batch)

		case <-s.stop:
			for {
				select {
				case item := <-s.pending:
					s.unreserve(item.addedIDs())
					item.done <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

// commitBatch merges batch into one block list replacement.
//
// Items are validated in arrival order against the live set as modified by
// the items before them; an item that no longer applies is rejected on its
// own without affecting the others.
func (s *Store) commitBatch(batch []*commitItem) {
	s.mu.Lock()
	working := make(map[ID]bool, len(s.live))
	for id := range s.live {
		working[id] = true
	}
	s.mu.Unlock()

	staged := make(map[ID]stagedBlock)
	var accepted, rejected []*commitItem
	rejectErr := make(map[*commitItem]error)

	for _, item := range batch {
		if err := validateItem(item, working); err != nil {
			rejected = append(rejected, item)
			rejectErr[item] = err
			continue
		}
		for _, id := range item.deletes {
			delete(working, id)
			delete(staged, id)
		}
		for _, u := range item.updates {
			staged[u.id] = u
		}
		for _, a := range item.adds {
			working[a.id] = true
			staged[a.id] = a
		}
		accepted = append(accepted, item)
	}

	for _, item := range rejected {
		s.unreserve(item.addedIDs())
		item.done <- rejectErr[item]
	}
	if len(accepted) == 0 {
		return
	}

	ids := make([]ID, 0, len(working))
	for id := range working {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareID)

	refs := make([]blob.BlockRef, len(ids))
	for i, id := range ids {
		refs[i] = blob.BlockRef{Name: blockName(id)}
		if sb, ok := staged[id]; ok {
			refs[i].StageID = sb.stageID
		}
	}

	// The commit is not tied to any caller's context: every waiter in the
	// batch depends on it.
	err := s.blob.CommitBlockList(context.Background(), refs)

	s.mu.Lock()
	if err != nil {
		for _, item := range accepted {
			s.releaseLocked(item.addedIDs())
		}
		s.mu.Unlock()
		s.logger.Error("journal commit failed", "transactions", len(accepted), "error", err)
		for _, item := range accepted {
			item.done <- fmt.Errorf("commit: %w", err)
		}
		return
	}

	var freed []ID
	for _, item := range accepted {
		for _, id := range item.deletes {
			delete(s.live, id)
			freed = append(freed, id)
		}
		for _, u := range item.updates {
			if _, ok := s.live[u.id]; ok {
				s.live[u.id] = u.data
			}
		}
		for _, a := range item.adds {
			delete(s.reserved, a.id)
			s.live[a.id] = a.data
		}
	}
	// An ID freed and re-added inside the same batch is live again.
	for _, id := range freed {
		if _, ok := s.live[id]; !ok {
			s.free = append(s.free, id)
		}
	}
	slices.SortFunc(s.free, compareID)
	s.mu.Unlock()

	s.commits.Add(1)
	s.logger.Debug("journal commit", "transactions", len(accepted), "blocks", len(ids)-1)

	for _, item := range accepted {
		item.done <- nil
	}
}

// validateItem checks that every update and delete targets a live ID.
func validateItem(item *commitItem, working map[ID]bool) error {
	for _, u := range item.updates {
		if !working[u.id] {
			return fmt.Errorf("%w: %d", ErrUnknownBlock, u.id)
		}
	}
	for _, id := range item.deletes {
		if !working[id] {
			return fmt.Errorf("%w: %d", ErrUnknownBlock, id)
		}
	}
	return nil
}
