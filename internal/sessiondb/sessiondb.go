// Package sessiondb records node activity, Write-IQ sessions and hardware
// faults in a ClickHouse database.
package sessiondb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "iqstream" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// Connection is a session log. The zero value and nil are valid,
// permanently disconnected logs.
type Connection struct {
	conn     clickhouse.Conn
	mu       sync.Mutex // guards err
	err      error
	activity *ActivityMessage
	sessions chan *SessionMessage
	faults   chan *FaultMessage
	done     chan struct{}
	sync.WaitGroup
}

// IsConnected reports whether records will reach the database.
func (db *Connection) IsConnected() bool {
	if db == nil {
		return false
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn != nil && db.err == nil
}

// Err returns the error that disconnected the log, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.err
}

// setErr disconnects the log. The first error is kept.
func (db *Connection) setErr(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.err == nil {
		db.err = err
	}
}

// Open connects to the ClickHouse server at addr, records the start of
// activity, and handles records until abort is closed. Credentials come from
// IQSTREAM_DB_USER and IQSTREAM_DB_PASSWORD. A failed connection is returned
// disconnected, with the reason in Err.
func Open(addr string, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	db.activity = activity
	if !db.IsConnected() {
		return db
	}
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// Dummy returns a log that records nothing.
func Dummy() *Connection {
	return &Connection{}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("IQSTREAM_DB_USER"),
		Password: os.Getenv("IQSTREAM_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "iqstream", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.setErr(err)
		return db
	}

	// Ping the server at the DB connection.
	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			err = fmt.Errorf("exception [%d] %s: %w", exception.Code, exception.Message, err)
		}
		conn.Close()
		db.setErr(err)
		return db
	}
	db.conn = conn
	db.sessions = make(chan *SessionMessage)
	db.faults = make(chan *FaultMessage)
	db.done = make(chan struct{})
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activity == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	a := db.activity
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO nodeactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		a.ID, a.Hostname, a.Githash, a.Version, a.GoVersion, a.CPUs,
		a.Start.Format(timeFormat), a.End.Format(timeFormat),
	); err != nil {
		db.setErr(fmt.Errorf("insert into nodeactivity: %w", err))
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case m := <-db.sessions:
			db.handleSessionMessage(m)
		case m := <-db.faults:
			db.handleFaultMessage(m)
		}
	}
}

// disconnect records the end of activity and closes the connection.
func (db *Connection) disconnect() {
	close(db.done)
	if db.activity != nil {
		db.activity.End = time.Now()
		db.logActivity()
	}
	db.conn.Close()
}

// RecordSession stores a finished Write-IQ session, if the log is open. It
// never blocks the caller.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() {
		select {
		case db.sessions <- msg:
		case <-db.done:
		}
	}()
}

// RecordFault stores a hardware fault, if the log is open. It never blocks
// the caller.
func (db *Connection) RecordFault(msg *FaultMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() {
		select {
		case db.faults <- msg:
		case <-db.done:
		}
	}()
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO writesessions VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.Channels, m.Packets, m.Samples, m.Checksum,
		m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		db.setErr(fmt.Errorf("insert into writesessions: %w", err))
	}
}

func (db *Connection) handleFaultMessage(m *FaultMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO faults VALUES (?, ?, ?, ?)`, nowait,
		m.ActivityID, m.Kind, m.Status, m.Time.Format(timeFormat),
	); err != nil {
		db.setErr(fmt.Errorf("insert into faults: %w", err))
	}
}
