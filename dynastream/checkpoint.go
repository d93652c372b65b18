package dynastream

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

// A Checkpointer manages saving and loading resume tokens for a stream
// consumer. It expects a reasonably compliant SQL database to read and write
// to. On first use, it will attempt to create the table to store results in.
// Checkpoints are unique based on (client, stream).
type Checkpointer interface {
	Checkpoint(tok *Token) error
	LastToken() (*Token, error)
}

type dbCheckpointer struct {
	clientName string
	streamArn  string

	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS dynastream_checkpoint (
	client VARCHAR(255),
	stream VARCHAR(255),
	token TEXT,
	updated BIGINT,
	PRIMARY KEY (client, stream))
`

func (c *dbCheckpointer) Checkpoint(tok *Token) (err error) {
	if tok == nil {
		log.Printf("Skipping checkpoint for %s-%s", c.clientName, c.streamArn)
		return
	}

	data, err := tok.Marshal()
	if err != nil {
		return err
	}

	txn, err := c.db.Begin()
	if err != nil {
		return err
	}

	rows, err := txn.Query(
		"SELECT 1 FROM dynastream_checkpoint WHERE client=$1 AND stream=$2",
		c.clientName, c.streamArn)
	if err != nil {
		txn.Rollback()
		return err
	}

	exists := rows.Next()
	rows.Close()

	now := time.Now().Unix()
	if exists {
		res, err := txn.Exec(
			"UPDATE dynastream_checkpoint SET token=$1, updated=$2 WHERE client=$3 AND stream=$4",
			string(data), now, c.clientName, c.streamArn)
		if err != nil {
			txn.Rollback()
			return err
		}

		n, _ := res.RowsAffected()
		if n <= 0 {
			txn.Rollback()
			panic("Should have updated rows")
		}
	} else {
		_, err := txn.Exec(
			"INSERT INTO dynastream_checkpoint VALUES ($1, $2, $3, $4)",
			c.clientName, c.streamArn, string(data), now)
		if err != nil {
			txn.Rollback()
			return err
		}
	}

	err = txn.Commit()

	return
}

func (c *dbCheckpointer) LastToken() (tok *Token, err error) {
	var data string

	err = c.db.QueryRow(
		"SELECT token FROM dynastream_checkpoint WHERE client=$1 AND stream=$2",
		c.clientName, c.streamArn).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return ParseToken([]byte(data))
}

// GetCheckpointStats loads the age, in seconds, of every checkpoint stored
// for a client. Keys look like "client.stream.age".
func GetCheckpointStats(clientName string, db *sql.DB) (stats map[string]int64, err error) {
	rows, err := db.Query(
		"SELECT stream, updated FROM dynastream_checkpoint WHERE client=$1", clientName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().Unix()
	stats = make(map[string]int64)
	for rows.Next() {
		var stream string
		var updated int64
		if err = rows.Scan(&stream, &updated); err != nil {
			return nil, err
		}
		stats[fmt.Sprintf("%s.%s.age", clientName, stream)] = now - updated
	}

	return stats, rows.Err()
}

func initDB(db *sql.DB) (err error) {
	_, err = db.Exec(createTableSQL)
	return
}

// NewCheckpointer returns a Checkpointer for the given client name and
// stream backed by db.
func NewCheckpointer(clientName string, streamArn string, db *sql.DB) (Checkpointer, error) {
	err := initDB(db)
	if err != nil {
		return nil, fmt.Errorf("Failed to initialize db: %v", err)
	}

	c := dbCheckpointer{
		clientName: clientName,
		streamArn:  streamArn,
		db:         db,
	}

	return &c, nil
}
