package server

import (
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Ban is one entry of the ban list. Either Addr or Name is set.
type Ban struct {
	Addr    string
	Name    string
	Reason  string
	Created time.Time
}

// BanStore persists address and player name bans in SQLite.
type BanStore struct {
	db *sql.DB
}

// OpenBanStore opens or creates the ban database at path.
func OpenBanStore(path string) (*BanStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ban db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ban (
		addr TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ban table: %w", err)
	}
	return &BanStore{db: db}, nil
}

func (b *BanStore) Close() error { return b.db.Close() }

// BanAddr bans every connection from addr's IP.
func (b *BanStore) BanAddr(addr netip.Addr, reason string) error {
	return b.insert(addr.Unmap().String(), "", reason)
}

// BanName bans a display name, compared case insensitively.
func (b *BanStore) BanName(name, reason string) error {
	if name == "" {
		return errors.New("ban: empty name")
	}
	return b.insert("", strings.ToLower(name), reason)
}

func (b *BanStore) insert(addr, name, reason string) error {
	_, err := b.db.Exec(`INSERT INTO ban (addr, name, reason, created) VALUES (?, ?, ?, ?);`,
		addr, name, reason, time.Now().Unix())
	return err
}

// Unban removes every entry matching the address or name. It reports how
// many entries were removed.
func (b *BanStore) Unban(key string) (int64, error) {
	res, err := b.db.Exec(`DELETE FROM ban WHERE (addr != '' AND addr = ?) OR (name != '' AND name = ?);`,
		key, strings.ToLower(key))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IsBannedAddr reports whether addr's IP is banned, with the ban reason.
func (b *BanStore) IsBannedAddr(addr netip.Addr) (bool, string, error) {
	return b.lookup(`SELECT reason FROM ban WHERE addr = ? LIMIT 1;`, addr.Unmap().String())
}

// IsBannedName reports whether name is banned, with the ban reason.
func (b *BanStore) IsBannedName(name string) (bool, string, error) {
	if name == "" {
		return false, "", nil
	}
	return b.lookup(`SELECT reason FROM ban WHERE name = ? LIMIT 1;`, strings.ToLower(name))
}

func (b *BanStore) lookup(query, key string) (bool, string, error) {
	var reason string
	err := b.db.QueryRow(query, key).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// List returns every ban, oldest first.
func (b *BanStore) List() ([]Ban, error) {
	rows, err := b.db.Query(`SELECT addr, name, reason, created FROM ban ORDER BY created, rowid;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var ban Ban
		var created int64
		if err := rows.Scan(&ban.Addr, &ban.Name, &ban.Reason, &created); err != nil {
			return nil, err
		}
		ban.Created = time.Unix(created, 0)
		out = append(out, ban)
	}
	return out, rows.Err()
}
