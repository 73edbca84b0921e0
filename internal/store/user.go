package store

import "database/sql"

// UpsertUser inserts or updates a user profile.
func (db *DB) UpsertUser(u *User) error {
	_, err := db.Exec(`
		INSERT INTO users (id, username, display_name, avatar_url, status, public_key)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			status = excluded.status,
			public_key = excluded.public_key`,
		u.ID, u.Username, u.DisplayName, u.AvatarURL, u.Status, u.PublicKey)
	return err
}

// GetUser returns a user by id, or nil if unknown.
func (db *DB) GetUser(id int64) (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT id, username, display_name, avatar_url, status, public_key
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Status, &u.PublicKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
