package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// InvocationData describes which method a job invokes. It is stored as an
// opaque JSON document; the engine never interprets it beyond round-tripping.
type InvocationData struct {
	Type           string   `json:"type"`
	Method         string   `json:"method"`
	ParameterTypes []string `json:"parameterTypes,omitempty"`
}

// JobData is the result of a job lookup. LoadError carries a payload
// deserialization failure alongside an otherwise successful read: callers
// can observe "job exists, state known, payload undecipherable" separately
// from "job not found."
type JobData struct {
	ID         string
	Invocation *InvocationData
	Arguments  []string
	State      string
	CreatedAt  time.Time
	LoadError  error
}

// StateData is the job's current state read through its state-history
// pointer.
type StateData struct {
	Name   string
	Reason string
	Data   map[string]string
}

// StateUpdate describes one state transition to record.
type StateUpdate struct {
	Name   string
	Reason string
	Data   map[string]string
}

// CreateJob inserts a job row plus all initial parameters in one
// transaction and returns the new id. The job starts with no state; the
// first SetJobState call establishes one.
func (s *Store) CreateJob(ctx context.Context, invocation *InvocationData, arguments []string, parameters map[string]string, createdAt time.Time, expireIn time.Duration) (string, error) {
	if invocation == nil {
		return "", fmt.Errorf("create job: invocation is nil: %w", ErrInvalidArgument)
	}
	invJSON, err := json.Marshal(invocation)
	if err != nil {
		return "", fmt.Errorf("create job: marshal invocation: %w", err)
	}
	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		return "", fmt.Errorf("create job: marshal arguments: %w", err)
	}

	// expireIn <= 0 means the job never expires on its own.
	var expireAt any
	if expireIn > 0 {
		expireAt = createdAt.Add(expireIn)
	}

	var id int64
	err = s.InTransaction(ctx, func(tx *sql.Tx) error {
		query, args, err := s.builder().
			Insert(s.table("job")).
			Columns("invocation_data", "arguments", "created_at", "expire_at").
			Values(string(invJSON), string(argsJSON), createdAt, expireAt).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for name, value := range parameters {
			query, args, err := s.builder().
				Insert(s.table("job_parameter")).
				Columns("job_id", "name", "value").
				Values(id, name, value).
				ToSql()
			if err != nil {
				return fmt.Errorf("build parameter insert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert parameter %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// GetJobData returns the job's invocation, denormalized state name and
// creation time, or (nil, nil) when no such job exists. A payload that
// fails to deserialize is reported via JobData.LoadError, not as a failure
// of the read.
func (s *Store) GetJobData(ctx context.Context, id string) (*JobData, error) {
	jobID, err := parseJobID(id)
	if err != nil {
		return nil, fmt.Errorf("get job data: %w", err)
	}

	query, args, err := s.builder().
		Select("invocation_data", "arguments", "state_name", "created_at").
		From(s.table("job")).
		Where(sq.Eq{"id": jobID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get job data: build query: %w", err)
	}

	var (
		invJSON   string
		argsJSON  string
		stateName sql.NullString
		createdAt time.Time
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&invJSON, &argsJSON, &stateName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job data: %w", err)
	}

	data := &JobData{
		ID:        id,
		State:     stateName.String,
		CreatedAt: createdAt,
	}
	var inv InvocationData
	if err := json.Unmarshal([]byte(invJSON), &inv); err != nil {
		data.LoadError = fmt.Errorf("deserialize invocation: %w", err)
		return data, nil
	}
	var arguments []string
	if err := json.Unmarshal([]byte(argsJSON), &arguments); err != nil {
		data.LoadError = fmt.Errorf("deserialize arguments: %w", err)
		return data, nil
	}
	data.Invocation = &inv
	data.Arguments = arguments
	return data, nil
}

// GetStateData reads the current state's history entry through the job's
// state pointer, or (nil, nil) when the job does not exist or has no state
// yet.
func (s *Store) GetStateData(ctx context.Context, id string) (*StateData, error) {
	jobID, err := parseJobID(id)
	if err != nil {
		return nil, fmt.Errorf("get state data: %w", err)
	}

	query, args, err := s.builder().
		Select("st.name", "st.reason", "st.data").
		From(s.table("state") + " st").
		Join(s.table("job") + " j ON j.state_id = st.id").
		Where(sq.Eq{"j.id": jobID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get state data: build query: %w", err)
	}

	var (
		name     string
		reason   sql.NullString
		dataJSON sql.NullString
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&name, &reason, &dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state data: %w", err)
	}

	state := &StateData{Name: name, Reason: reason.String}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &state.Data); err != nil {
			return nil, fmt.Errorf("get state data: deserialize: %w", err)
		}
	}
	return state, nil
}

// GetStateHistory returns every state-history entry recorded for the job,
// oldest first. A job with no recorded states yields an empty slice.
func (s *Store) GetStateHistory(ctx context.Context, id string) ([]StateData, error) {
	jobID, err := parseJobID(id)
	if err != nil {
		return nil, fmt.Errorf("get state history: %w", err)
	}

	query, args, err := s.builder().
		Select("name", "reason", "data").
		From(s.table("state")).
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get state history: build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get state history: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var history []StateData
	for rows.Next() {
		var (
			name     string
			reason   sql.NullString
			dataJSON sql.NullString
		)
		if err := rows.Scan(&name, &reason, &dataJSON); err != nil {
			return nil, fmt.Errorf("get state history: scan: %w", err)
		}
		state := StateData{Name: name, Reason: reason.String}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &state.Data); err != nil {
				return nil, fmt.Errorf("get state history: deserialize: %w", err)
			}
		}
		history = append(history, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get state history: %w", err)
	}
	return history, nil
}

// SetJobState appends a state-history entry and repoints the job's current
// state at it in one transaction, keeping the denormalized state_name in
// sync with the newest history row.
func (s *Store) SetJobState(ctx context.Context, id string, state StateUpdate) error {
	jobID, err := parseJobID(id)
	if err != nil {
		return fmt.Errorf("set job state: %w", err)
	}
	if state.Name == "" {
		return fmt.Errorf("set job state: state name is empty: %w", ErrInvalidArgument)
	}

	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		stateID, err := s.insertState(ctx, tx, jobID, state)
		if err != nil {
			return fmt.Errorf("set job state: %w", err)
		}
		query, args, err := s.builder().
			Update(s.table("job")).
			Set("state_id", stateID).
			Set("state_name", state.Name).
			Where(sq.Eq{"id": jobID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("set job state: build update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("set job state: update pointer: %w", err)
		}
		return nil
	})
}

// AddJobState appends a history-only entry without repointing the job's
// current state.
func (s *Store) AddJobState(ctx context.Context, id string, state StateUpdate) error {
	jobID, err := parseJobID(id)
	if err != nil {
		return fmt.Errorf("add job state: %w", err)
	}
	if state.Name == "" {
		return fmt.Errorf("add job state: state name is empty: %w", ErrInvalidArgument)
	}
	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := s.insertState(ctx, tx, jobID, state); err != nil {
			return fmt.Errorf("add job state: %w", err)
		}
		return nil
	})
}

func (s *Store) insertState(ctx context.Context, tx *sql.Tx, jobID int64, state StateUpdate) (int64, error) {
	var dataJSON any
	if state.Data != nil {
		b, err := json.Marshal(state.Data)
		if err != nil {
			return 0, fmt.Errorf("marshal state data: %w", err)
		}
		dataJSON = string(b)
	}
	query, args, err := s.builder().
		Insert(s.table("state")).
		Columns("job_id", "name", "reason", "data", "created_at").
		Values(jobID, state.Name, nullIfEmpty(state.Reason), dataJSON, s.now().UTC()).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build state insert: %w", err)
	}
	var stateID int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&stateID); err != nil {
		return 0, fmt.Errorf("insert state: %w", err)
	}
	return stateID, nil
}

// SetJobParameter upserts the (job, name) parameter pair in a single atomic
// statement.
func (s *Store) SetJobParameter(ctx context.Context, id, name, value string) error {
	jobID, err := parseJobID(id)
	if err != nil {
		return fmt.Errorf("set job parameter: %w", err)
	}
	if name == "" {
		return fmt.Errorf("set job parameter: name is empty: %w", ErrInvalidArgument)
	}

	query, args, err := s.builder().
		Insert(s.table("job_parameter")).
		Columns("job_id", "name", "value").
		Values(jobID, name, value).
		Suffix("ON CONFLICT (job_id, name) DO UPDATE SET value = EXCLUDED.value").
		ToSql()
	if err != nil {
		return fmt.Errorf("set job parameter: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set job parameter: %w", err)
	}
	return nil
}

// GetJobParameter returns the parameter value, or (nil, nil) when the pair
// does not exist.
func (s *Store) GetJobParameter(ctx context.Context, id, name string) (*string, error) {
	jobID, err := parseJobID(id)
	if err != nil {
		return nil, fmt.Errorf("get job parameter: %w", err)
	}
	if name == "" {
		return nil, fmt.Errorf("get job parameter: name is empty: %w", ErrInvalidArgument)
	}

	query, args, err := s.builder().
		Select("value").
		From(s.table("job_parameter")).
		Where(sq.Eq{"job_id": jobID, "name": name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get job parameter: build query: %w", err)
	}
	// The column is only ever written from Go strings, never NULL.
	var value string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job parameter: %w", err)
	}
	return &value, nil
}

// ExpireJob sets the job's absolute expiration to now + in. The expiration
// sweep removes the row once the instant passes and no active claim holds
// the job.
func (s *Store) ExpireJob(ctx context.Context, id string, in time.Duration) error {
	jobID, err := parseJobID(id)
	if err != nil {
		return fmt.Errorf("expire job: %w", err)
	}
	return s.setJobExpiration(ctx, jobID, s.now().UTC().Add(in))
}

// PersistJob clears the job's expiration so the sweep never removes it.
func (s *Store) PersistJob(ctx context.Context, id string) error {
	jobID, err := parseJobID(id)
	if err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	return s.setJobExpiration(ctx, jobID, nil)
}

func (s *Store) setJobExpiration(ctx context.Context, jobID int64, expireAt any) error {
	query, args, err := s.builder().
		Update(s.table("job")).
		Set("expire_at", expireAt).
		Where(sq.Eq{"id": jobID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build expiration update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update job expiration: %w", err)
	}
	return nil
}

// parseJobID converts the opaque string id back to its storage form. An
// empty id is an invalid argument; a malformed one cannot match any row and
// is treated the same way.
func parseJobID(id string) (int64, error) {
	if id == "" {
		return 0, fmt.Errorf("job id is empty: %w", ErrInvalidArgument)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("job id %q is not numeric: %w", id, ErrInvalidArgument)
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
