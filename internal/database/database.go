// Package database is the persistence collaborator. The engine treats it as
// best-effort durability: in-memory state is the source of truth for routing
// decisions, and a failed write is logged at the call site without rolling
// back the in-memory change.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ccmesh/routing-engine/pkg/models"
)

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// Database wraps the postgres connection used for configuration and task
// documents.
type Database struct {
	db *sql.DB
}

// New opens a postgres connection and initializes the schema.
func New(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS media_domains (
		id TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS routing_attributes (
		id TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS precision_queues (
		id TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		state TEXT NOT NULL DEFAULT 'LOGOUT',
		mrd_states JSONB,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		state TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
	CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (d *Database) upsertDoc(table, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s doc: %w", table, err)
	}
	query := rebind(fmt.Sprintf(`
		INSERT INTO %s (id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`, table))
	if _, err := d.db.Exec(query, id, data, time.Now()); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", table, id, err)
	}
	return nil
}

func (d *Database) findAllDocs(table string, decode func([]byte) error) error {
	rows, err := d.db.Query(fmt.Sprintf("SELECT doc FROM %s", table))
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		if err := decode(data); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveMediaDomain persists a media domain document.
func (d *Database) SaveMediaDomain(m *models.MediaDomain) error {
	return d.upsertDoc("media_domains", m.ID, m)
}

// FindAllMediaDomains loads every media domain document.
func (d *Database) FindAllMediaDomains() ([]*models.MediaDomain, error) {
	var out []*models.MediaDomain
	err := d.findAllDocs("media_domains", func(data []byte) error {
		var m models.MediaDomain
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to decode media domain: %w", err)
		}
		out = append(out, &m)
		return nil
	})
	return out, err
}

// SaveAttribute persists a routing attribute document.
func (d *Database) SaveAttribute(a *models.RoutingAttribute) error {
	return d.upsertDoc("routing_attributes", a.ID, a)
}

// FindAllAttributes loads every routing attribute document.
func (d *Database) FindAllAttributes() ([]*models.RoutingAttribute, error) {
	var out []*models.RoutingAttribute
	err := d.findAllDocs("routing_attributes", func(data []byte) error {
		var a models.RoutingAttribute
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("failed to decode routing attribute: %w", err)
		}
		out = append(out, &a)
		return nil
	})
	return out, err
}

// SaveQueue persists a precision queue configuration document.
func (d *Database) SaveQueue(q models.QueueConfig) error {
	return d.upsertDoc("precision_queues", q.ID, q)
}

// FindAllQueues loads every precision queue configuration.
func (d *Database) FindAllQueues() ([]models.QueueConfig, error) {
	var out []models.QueueConfig
	err := d.findAllDocs("precision_queues", func(data []byte) error {
		var q models.QueueConfig
		if err := json.Unmarshal(data, &q); err != nil {
			return fmt.Errorf("failed to decode queue config: %w", err)
		}
		out = append(out, q)
		return nil
	})
	return out, err
}

// SaveAgent persists an agent provisioning document.
func (d *Database) SaveAgent(cfg models.AgentConfig) error {
	return d.upsertDoc("agents", cfg.ID, cfg)
}

// FindAllAgents loads every agent provisioning document.
func (d *Database) FindAllAgents() ([]models.AgentConfig, error) {
	var out []models.AgentConfig
	err := d.findAllDocs("agents", func(data []byte) error {
		var cfg models.AgentConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to decode agent config: %w", err)
		}
		out = append(out, cfg)
		return nil
	})
	return out, err
}

// DeleteAgent removes an agent provisioning document.
func (d *Database) DeleteAgent(id string) error {
	if _, err := d.db.Exec(rebind("DELETE FROM agents WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	return nil
}

// SaveAgentPresence records the agent-wide availability state.
func (d *Database) SaveAgentPresence(id string, state models.AgentState) error {
	query := rebind("UPDATE agents SET state = ?, updated_at = ? WHERE id = ?")
	if _, err := d.db.Exec(query, string(state), time.Now(), id); err != nil {
		return fmt.Errorf("failed to save presence for agent %s: %w", id, err)
	}
	return nil
}

// SaveAgentMediaStates records the agent's per-domain capacity states.
func (d *Database) SaveAgentMediaStates(id string, states []models.MrdStateEntry) error {
	data, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("failed to marshal media states: %w", err)
	}
	query := rebind("UPDATE agents SET mrd_states = ?, updated_at = ? WHERE id = ?")
	if _, err := d.db.Exec(query, data, time.Now(), id); err != nil {
		return fmt.Errorf("failed to save media states for agent %s: %w", id, err)
	}
	return nil
}

// SaveTask persists a task snapshot document.
func (d *Database) SaveTask(snapshot models.TaskSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	query := rebind(`
		INSERT INTO tasks (id, doc, state, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`)
	if _, err := d.db.Exec(query, snapshot.ID, data, string(snapshot.State), time.Now()); err != nil {
		return fmt.Errorf("failed to save task %s: %w", snapshot.ID, err)
	}
	return nil
}

// DeleteTask removes a task document.
func (d *Database) DeleteTask(id string) error {
	if _, err := d.db.Exec(rebind("DELETE FROM tasks WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// FindAllTasks loads every in-flight task snapshot.
func (d *Database) FindAllTasks() ([]models.TaskSnapshot, error) {
	var out []models.TaskSnapshot
	err := d.findAllDocs("tasks", func(data []byte) error {
		var s models.TaskSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode task: %w", err)
		}
		out = append(out, s)
		return nil
	})
	return out, err
}
