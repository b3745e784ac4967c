// Package journal records every instruction packet sent to the servo bus
// and every frame received from it in a sqlite database, giving the bridge
// an audit trail of what actually went over the wire.
package journal

import (
	"compress/gzip"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/servo.bridge/internal/dynamixel"
	"github.com/banshee-data/servo.bridge/internal/monitoring"
)

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the journal database at path and
// bootstraps the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS commands (
			command_id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT,
			motor_id INTEGER,
			packet TEXT,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS frames (
			frame_id INTEGER PRIMARY KEY AUTOINCREMENT,
			motor_id INTEGER,
			length INTEGER,
			frame TEXT,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// RecordCommand stores a sent instruction packet, hex encoded.
func (db *DB) RecordCommand(kind string, motorID byte, packet []byte) error {
	_, err := db.Exec("INSERT INTO commands (kind, motor_id, packet) VALUES (?, ?, ?)",
		kind, motorID, hex.EncodeToString(packet))
	return err
}

// RecordFrame stores a received frame, hex encoded. The motor ID and
// declared length are denormalized out of the frame for querying.
func (db *DB) RecordFrame(frame []byte) error {
	var motorID, length int
	if len(frame) >= 7 {
		f := dynamixel.Frame(frame)
		motorID = int(f.ID())
		length = f.Length()
	}
	_, err := db.Exec("INSERT INTO frames (motor_id, length, frame) VALUES (?, ?, ?)",
		motorID, length, hex.EncodeToString(frame))
	return err
}

// Command is one journalled instruction packet.
type Command struct {
	Kind    string
	MotorID int
	Packet  []byte
	Time    time.Time
}

// RecentCommands returns the most recent commands, newest first.
func (db *DB) RecentCommands(limit int) ([]Command, error) {
	rows, err := db.Query(
		"SELECT kind, motor_id, packet, timestamp FROM commands ORDER BY command_id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		var c Command
		var packetHex string
		if err := rows.Scan(&c.Kind, &c.MotorID, &packetHex, &c.Time); err != nil {
			return nil, err
		}
		if c.Packet, err = hex.DecodeString(packetHex); err != nil {
			return nil, fmt.Errorf("corrupt packet hex in journal: %w", err)
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// ReceivedFrame is one journalled bus frame.
type ReceivedFrame struct {
	MotorID int
	Length  int
	Frame   []byte
	Time    time.Time
}

// RecentFrames returns the most recent frames, newest first.
func (db *DB) RecentFrames(limit int) ([]ReceivedFrame, error) {
	rows, err := db.Query(
		"SELECT motor_id, length, frame, timestamp FROM frames ORDER BY frame_id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []ReceivedFrame
	for rows.Next() {
		var f ReceivedFrame
		var frameHex string
		if err := rows.Scan(&f.MotorID, &f.Length, &frameHex, &f.Time); err != nil {
			return nil, err
		}
		if f.Frame, err = hex.DecodeString(frameHex); err != nil {
			return nil, fmt.Errorf("corrupt frame hex in journal: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// AttachAdminRoutes mounts a tailsql browser over the journal and a backup
// endpoint on the given mux under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("journal: failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://journal.db", db.DB, &tailsql.DBOptions{
		Label: "Bus journal",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the journal now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("journal: failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
