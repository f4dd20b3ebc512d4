package profile

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/voidworks/void-relay/internal/relay"
)

// Store persists creator profiles, one per agent.
type Store interface {
	Insert(p *CreatorProfile) error
	Update(p *CreatorProfile) error
	ByAgent(agentUsername string) (*CreatorProfile, error)
	ByID(profileID string) (*CreatorProfile, error)
	Untransferred() ([]*CreatorProfile, error)
}

// MemoryStore is the in-memory Store used with the in-memory relay store and
// in tests.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*CreatorProfile
	byAgent map[string]string // agent username -> profile id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    map[string]*CreatorProfile{},
		byAgent: map[string]string{},
	}
}

func (s *MemoryStore) Insert(p *CreatorProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAgent[p.AgentUsername]; ok {
		return relay.NewError(relay.CodeConflict, "creator profile already exists for agent: "+p.AgentUsername)
	}
	cp := *p
	s.byID[p.ProfileID] = &cp
	s.byAgent[p.AgentUsername] = p.ProfileID
	return nil
}

func (s *MemoryStore) Update(p *CreatorProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ProfileID]; !ok {
		return relay.NewError(relay.CodeNotFound, "creator profile not found")
	}
	cp := *p
	s.byID[p.ProfileID] = &cp
	return nil
}

func (s *MemoryStore) ByAgent(agentUsername string) (*CreatorProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAgent[agentUsername]
	if !ok {
		return nil, relay.NewError(relay.CodeNotFound, "no creator profile for agent: "+agentUsername)
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) ByID(profileID string) (*CreatorProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[profileID]
	if !ok {
		return nil, relay.NewError(relay.CodeNotFound, "creator profile not found")
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Untransferred() ([]*CreatorProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*CreatorProfile
	for _, p := range s.byID {
		if p.NFTInfo != nil && p.NFTInfo.TransferredTo == "" {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SQLiteStore keeps profiles in the relay's database file. The nested
// identity/origin/affinity records and the NFT info are stored as JSON
// columns; lookups only ever go through profile_id or agent_username.
type SQLiteStore struct {
	db *sqlx.DB
}

const profileSchema = `
CREATE TABLE IF NOT EXISTS character_profiles (
	profile_id        TEXT PRIMARY KEY,
	agent_username    TEXT NOT NULL UNIQUE,
	core_identity     TEXT NOT NULL,
	origin            TEXT NOT NULL,
	creation_affinity TEXT NOT NULL,
	creator_role      TEXT NOT NULL,
	creative_approach TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	last_updated      TEXT NOT NULL,
	nft_info          TEXT
);
`

func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(profileSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

type profileRow struct {
	ProfileID        string  `db:"profile_id"`
	AgentUsername    string  `db:"agent_username"`
	CoreIdentity     string  `db:"core_identity"`
	Origin           string  `db:"origin"`
	CreationAffinity string  `db:"creation_affinity"`
	CreatorRole      string  `db:"creator_role"`
	CreativeApproach string  `db:"creative_approach"`
	CreatedAt        string  `db:"created_at"`
	LastUpdated      string  `db:"last_updated"`
	NFTInfo          *string `db:"nft_info"`
}

func rowFromProfile(p *CreatorProfile) (*profileRow, error) {
	identity, err := json.Marshal(p.CoreIdentity)
	if err != nil {
		return nil, err
	}
	origin, err := json.Marshal(p.Origin)
	if err != nil {
		return nil, err
	}
	affinity, err := json.Marshal(p.CreationAffinity)
	if err != nil {
		return nil, err
	}
	row := &profileRow{
		ProfileID:        p.ProfileID,
		AgentUsername:    p.AgentUsername,
		CoreIdentity:     string(identity),
		Origin:           string(origin),
		CreationAffinity: string(affinity),
		CreatorRole:      string(p.CreatorRole),
		CreativeApproach: p.CreativeApproach,
		CreatedAt:        p.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastUpdated:      p.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
	if p.NFTInfo != nil {
		blob, err := json.Marshal(p.NFTInfo)
		if err != nil {
			return nil, err
		}
		s := string(blob)
		row.NFTInfo = &s
	}
	return row, nil
}

func (r *profileRow) toProfile() (*CreatorProfile, error) {
	p := &CreatorProfile{
		ProfileID:        r.ProfileID,
		AgentUsername:    r.AgentUsername,
		CreatorRole:      CreatorRole(r.CreatorRole),
		CreativeApproach: r.CreativeApproach,
	}
	if err := json.Unmarshal([]byte(r.CoreIdentity), &p.CoreIdentity); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.Origin), &p.Origin); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.CreationAffinity), &p.CreationAffinity); err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
	p.LastUpdated, _ = time.Parse(time.RFC3339Nano, r.LastUpdated)
	if r.NFTInfo != nil && *r.NFTInfo != "" {
		var info NFTInfo
		if err := json.Unmarshal([]byte(*r.NFTInfo), &info); err != nil {
			return nil, err
		}
		p.NFTInfo = &info
	}
	return p, nil
}

func (s *SQLiteStore) Insert(p *CreatorProfile) error {
	var exists int
	if err := s.db.Get(&exists, "SELECT COUNT(1) FROM character_profiles WHERE agent_username = ?", p.AgentUsername); err != nil {
		return relay.NewError(relay.CodeInternal, err.Error())
	}
	if exists > 0 {
		return relay.NewError(relay.CodeConflict, "creator profile already exists for agent: "+p.AgentUsername)
	}
	row, err := rowFromProfile(p)
	if err != nil {
		return relay.NewError(relay.CodeInternal, err.Error())
	}
	_, err = s.db.NamedExec(`INSERT INTO character_profiles
		(profile_id, agent_username, core_identity, origin, creation_affinity, creator_role, creative_approach, created_at, last_updated, nft_info)
		VALUES (:profile_id, :agent_username, :core_identity, :origin, :creation_affinity, :creator_role, :creative_approach, :created_at, :last_updated, :nft_info)`, row)
	if err != nil {
		return relay.NewError(relay.CodeInternal, err.Error())
	}
	return nil
}

func (s *SQLiteStore) Update(p *CreatorProfile) error {
	row, err := rowFromProfile(p)
	if err != nil {
		return relay.NewError(relay.CodeInternal, err.Error())
	}
	res, err := s.db.NamedExec(`UPDATE character_profiles SET
		core_identity = :core_identity,
		origin = :origin,
		creation_affinity = :creation_affinity,
		creator_role = :creator_role,
		creative_approach = :creative_approach,
		last_updated = :last_updated,
		nft_info = :nft_info
		WHERE profile_id = :profile_id`, row)
	if err != nil {
		return relay.NewError(relay.CodeInternal, err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return relay.NewError(relay.CodeNotFound, "creator profile not found")
	}
	return nil
}

func (s *SQLiteStore) getOne(query, arg string) (*CreatorProfile, error) {
	var row profileRow
	if err := s.db.Get(&row, query, arg); err != nil {
		return nil, relay.NewError(relay.CodeNotFound, "creator profile not found")
	}
	p, err := row.toProfile()
	if err != nil {
		return nil, relay.NewError(relay.CodeInternal, err.Error())
	}
	return p, nil
}

func (s *SQLiteStore) ByAgent(agentUsername string) (*CreatorProfile, error) {
	return s.getOne("SELECT * FROM character_profiles WHERE agent_username = ?", agentUsername)
}

func (s *SQLiteStore) ByID(profileID string) (*CreatorProfile, error) {
	return s.getOne("SELECT * FROM character_profiles WHERE profile_id = ?", profileID)
}

func (s *SQLiteStore) Untransferred() ([]*CreatorProfile, error) {
	var rows []profileRow
	if err := s.db.Select(&rows, "SELECT * FROM character_profiles WHERE nft_info IS NOT NULL"); err != nil {
		return nil, relay.NewError(relay.CodeInternal, err.Error())
	}
	var out []*CreatorProfile
	for i := range rows {
		p, err := rows[i].toProfile()
		if err != nil {
			return nil, relay.NewError(relay.CodeInternal, err.Error())
		}
		if p.NFTInfo != nil && p.NFTInfo.TransferredTo == "" {
			out = append(out, p)
		}
	}
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
