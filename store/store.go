// Package store persists conversation turns and their artifacts. Turns
// are append-only and ordered by creation time within a project; an
// artifact (fragment) is linked 1:1 to the assistant turn that produced
// it and is never mutated after creation.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	turnsBucket     = []byte("turns")
	fragmentsBucket = []byte("fragments")
)

// Turn roles and kinds.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	KindResult = "result"
	KindError  = "error"
)

// Turn is one conversational message, immutable once persisted.
type Turn struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Fragment is the artifact linked to a successful result turn.
type Fragment struct {
	TurnID     string            `json:"turn_id"`
	ProjectID  string            `json:"project_id"`
	Title      string            `json:"title"`
	PreviewURL string            `json:"preview_url"`
	Files      map[string]string `json:"files"`
}

// NewTurn builds a turn with a fresh id and timestamp.
func NewTurn(projectID, role, content, kind string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Role:      role,
		Content:   content,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}

// Store is a bbolt-backed conversation store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file at path.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return db, nil
}

// New creates a store over an open database.
func New(db *bolt.DB) *Store {
	return &Store{db: db}
}

// turnKeyFormat is fixed-width so keys compare lexically in timestamp
// order. RFC3339Nano would trim trailing fractional zeros, making a
// whole-second key sort after later keys within the same second.
const turnKeyFormat = "2006-01-02T15:04:05.000000000Z"

// turnKey orders turns by creation time within a project; the uuid
// suffix keeps same-instant turns distinct.
func turnKey(t Turn) []byte {
	return []byte(t.CreatedAt.UTC().Format(turnKeyFormat) + "/" + t.ID)
}

// AppendTurn persists a turn and, when given, its fragment in one
// transaction. A crash cannot leave a result turn without its artifact.
func (s *Store) AppendTurn(turn Turn, frag *Fragment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		turns, err := tx.CreateBucketIfNotExists(turnsBucket)
		if err != nil {
			return err
		}
		project, err := turns.CreateBucketIfNotExists([]byte(turn.ProjectID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(turn)
		if err != nil {
			return err
		}
		if err := project.Put(turnKey(turn), data); err != nil {
			return err
		}

		if frag == nil {
			return nil
		}
		frag.TurnID = turn.ID
		frag.ProjectID = turn.ProjectID
		fragments, err := tx.CreateBucketIfNotExists(fragmentsBucket)
		if err != nil {
			return err
		}
		fragData, err := json.Marshal(frag)
		if err != nil {
			return err
		}
		return fragments.Put([]byte(turn.ID), fragData)
	})
}

// ListTurns returns a project's turns in creation order.
func (s *Store) ListTurns(projectID string) ([]Turn, error) {
	var out []Turn
	err := s.db.View(func(tx *bolt.Tx) error {
		project := projectTurns(tx, projectID)
		if project == nil {
			return nil
		}
		return project.ForEach(func(k, v []byte) error {
			var t Turn
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FragmentFor returns the artifact linked to a turn, or nil.
func (s *Store) FragmentFor(turnID string) (*Fragment, error) {
	var frag *Fragment
	err := s.db.View(func(tx *bolt.Tx) error {
		fragments := tx.Bucket(fragmentsBucket)
		if fragments == nil {
			return nil
		}
		data := fragments.Get([]byte(turnID))
		if data == nil {
			return nil
		}
		frag = &Fragment{}
		return json.Unmarshal(data, frag)
	})
	if err != nil {
		return nil, err
	}
	return frag, nil
}

// LatestFragment returns the artifact of the most recent result turn in
// a project, or nil when the project has none. It is the hydration
// source for the next run.
func (s *Store) LatestFragment(projectID string) (*Fragment, error) {
	var frag *Fragment
	err := s.db.View(func(tx *bolt.Tx) error {
		project := projectTurns(tx, projectID)
		if project == nil {
			return nil
		}
		fragments := tx.Bucket(fragmentsBucket)
		if fragments == nil {
			return nil
		}

		c := project.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var t Turn
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Kind != KindResult {
				continue
			}
			data := fragments.Get([]byte(t.ID))
			if data == nil {
				continue
			}
			frag = &Fragment{}
			return json.Unmarshal(data, frag)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frag, nil
}

func projectTurns(tx *bolt.Tx, projectID string) *bolt.Bucket {
	turns := tx.Bucket(turnsBucket)
	if turns == nil {
		return nil
	}
	return turns.Bucket([]byte(projectID))
}
