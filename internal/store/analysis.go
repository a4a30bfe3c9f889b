// Copyright 2025 James Ross
package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
)

// normalizeScore enforces the sink contract: severity must land in
// [1,10]. Anything else is rescaled by a decade and floored at 1.
func normalizeScore(score int) int {
	if score > 0 && score <= 10 {
		return score
	}
	n := score / 10
	if n < 1 {
		n = 1
	}
	return n
}

// CreateResult inserts a normalized analysis result and returns its id.
// A duplicate (sha256, connector_name, analysis_name) is reported as
// ErrConflict rather than silently overwriting a prior finding.
func (s *Store) CreateResult(r AnalysisResult) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Score = normalizeScore(r.Score)
	payload := r.Payload
	if payload == nil {
		payload = []byte("")
	}
	res, err := sq.Insert("analysis_results").
		Columns("sha256", "job_id", "connector_name", "analysis_name", "score", "error", "payload", "dispatched").
		Values(r.SHA256, r.JobID, r.ConnectorName, r.AnalysisName, r.Score, r.Error, string(payload), false).
		RunWith(s.db).Exec()
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return 0, ErrConflict
		}
		return 0, err
	}
	return res.LastInsertId()
}

// AddIOCs attaches indicators of compromise to an already-created result.
func (s *Store) AddIOCs(resultID int64, iocs []IOC) error {
	if len(iocs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ins := sq.Insert("iocs").Columns("result_id", "match_type", "values_json", "field", "link")
	for _, ioc := range iocs {
		valuesJSON, err := json.Marshal(ioc.Values)
		if err != nil {
			return err
		}
		matchType := ioc.MatchType
		if matchType == "" {
			matchType = IOCMatchEquality
		}
		ins = ins.Values(resultID, string(matchType), string(valuesJSON), ioc.Field, ioc.Link)
	}
	_, err := ins.RunWith(s.db).Exec()
	return err
}

// GetResultsByIDs loads results in id order, skipping any id that no
// longer exists (e.g. already cascade-deleted).
func (s *Store) GetResultsByIDs(ids []int64) ([]AnalysisResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := sq.Select("id", "sha256", "job_id", "connector_name", "analysis_name", "score", "error", "payload", "dispatched", "created_at").
		From("analysis_results").Where(sq.Eq{"id": ids}).OrderBy("id ASC").RunWith(s.db).Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnalysisResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ResultsBySHA256 loads every analysis result recorded for a binary,
// used by the completed/pending split on the analysis lookup endpoint.
func (s *Store) ResultsBySHA256(sha256 string) ([]AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := sq.Select("id", "sha256", "job_id", "connector_name", "analysis_name", "score", "error", "payload", "dispatched", "created_at").
		From("analysis_results").Where(sq.Eq{"sha256": sha256}).RunWith(s.db).Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnalysisResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// scanResult reads one analysis_results row, including its payload blob.
func scanResult(rows *sql.Rows) (AnalysisResult, error) {
	var r AnalysisResult
	var payload string
	if err := rows.Scan(&r.ID, &r.SHA256, &r.JobID, &r.ConnectorName, &r.AnalysisName, &r.Score, &r.Error, &payload, &r.Dispatched, &r.CreatedAt); err != nil {
		return AnalysisResult{}, err
	}
	r.Payload = []byte(payload)
	return r, nil
}

// deleteResultsWhere cascade-deletes every result matching one column
// equality, reusing DeleteResult's transactional IOC cascade per row.
func (s *Store) deleteResultsWhere(column string, value any) error {
	s.mu.Lock()
	rows, err := sq.Select("id").From("analysis_results").
		Where(sq.Eq{column: value}).RunWith(s.db).Query()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.Unlock()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.DeleteResult(id); err != nil && err != ErrNotFound {
			return err
		}
	}
	return nil
}

// DeleteResultsBySHA256 cascade-deletes every result (and its IOCs) for
// a hash, used by the bulk /analysis DELETE endpoint.
func (s *Store) DeleteResultsBySHA256(sha256 string) error {
	return s.deleteResultsWhere("sha256", sha256)
}

// DeleteResultsByConnector cascade-deletes every result for a connector
// name, used by the bulk /analysis DELETE endpoint.
func (s *Store) DeleteResultsByConnector(connectorName string) error {
	return s.deleteResultsWhere("connector_name", connectorName)
}

// DeleteResultsByAnalysisName cascade-deletes every result for an
// analysis name, used by the bulk /analysis DELETE endpoint.
func (s *Store) DeleteResultsByAnalysisName(analysisName string) error {
	return s.deleteResultsWhere("analysis_name", analysisName)
}

// DeleteResultsByJobID cascade-deletes every result produced by a job,
// used by the bulk /analysis DELETE endpoint.
func (s *Store) DeleteResultsByJobID(jobID string) error {
	return s.deleteResultsWhere("job_id", jobID)
}

// AllHashes lists every known binary hash, for the /hashes endpoint.
func (s *Store) AllHashes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := sq.Select("sha256").From("binaries").OrderBy("id ASC").RunWith(s.db).Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// IOCsForResult returns the indicators attached to a result.
func (s *Store) IOCsForResult(resultID int64) ([]IOC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := sq.Select("id", "result_id", "match_type", "values_json", "field", "link").From("iocs").
		Where(sq.Eq{"result_id": resultID}).RunWith(s.db).Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IOC
	for rows.Next() {
		var i IOC
		var matchType, valuesJSON string
		if err := rows.Scan(&i.ID, &i.ResultID, &matchType, &valuesJSON, &i.Field, &i.Link); err != nil {
			return nil, err
		}
		i.MatchType = IOCMatchType(matchType)
		if err := json.Unmarshal([]byte(valuesJSON), &i.Values); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

// MarkDispatched flips dispatched=true for the given result ids.
func (s *Store) MarkDispatched(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := sq.Update("analysis_results").
		Set("dispatched", true).
		Where(sq.Eq{"id": ids}).
		RunWith(s.db).Exec()
	return err
}

// DeleteResult removes an analysis result and its IOCs in one
// transaction. The naive bulk delete that skips the IOC cascade is
// never used; sqlite's ON DELETE CASCADE handles it here, but the
// explicit transaction keeps the same guarantee on drivers without
// foreign-key enforcement turned on.
func (s *Store) DeleteResult(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := sq.Delete("iocs").Where(sq.Eq{"result_id": id}).RunWith(tx).Exec(); err != nil {
		return err
	}
	res, err := sq.Delete("analysis_results").Where(sq.Eq{"id": id}).RunWith(tx).Exec()
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// UndispatchedByConnector finds results still owed a dispatch attempt,
// used by a recovery sweep independent of the batched in-job path.
func (s *Store) UndispatchedByConnector(connector string, limit int) ([]AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := sq.Select("id", "sha256", "job_id", "connector_name", "analysis_name", "score", "error", "payload", "dispatched", "created_at").
		From("analysis_results").
		Where(sq.Eq{"connector_name": connector, "dispatched": false}).
		OrderBy("id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.RunWith(s.db).Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnalysisResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
