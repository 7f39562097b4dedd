/*
 * Copyright 2024 The EcaFlow Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// drivers registered for the two supported database types
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/utils/json"
	"github.com/ecaflow/ecaflow/utils/str"
)

// SQL is a database-backed Registry and EventQueue. Supported database types
// are "mysql" and "postgres"; the queries are written with ? placeholders
// and rewritten for postgres.
type SQL struct {
	db      *sql.DB
	dbType  string
	actions *sqlModules
	pollers *sqlModules
}

// NewSQL opens a connection for the given database type ("mysql" or
// "postgres") and dsn. The schema is not created implicitly; call InitSchema
// once per database.
func NewSQL(dbType, dsn string) (*SQL, error) {
	switch dbType {
	case "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
	db, err := sql.Open(dbType, dsn)
	if err != nil {
		return nil, err
	}
	s := &SQL{db: db, dbType: dbType}
	s.actions = &sqlModules{s: s, moduleType: types.ActionInvoker}
	s.pollers = &sqlModules{s: s, moduleType: types.EventPoller}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	return s.db.Close()
}

// InitSchema creates the tables when they do not exist yet.
func (s *SQL) InitSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS modules (
			module_type VARCHAR(32) NOT NULL,
			module_id VARCHAR(191) NOT NULL,
			owner VARCHAR(191) NOT NULL,
			public BOOLEAN NOT NULL DEFAULT FALSE,
			doc TEXT NOT NULL,
			PRIMARY KEY (module_type, module_id)
		)`,
		`CREATE TABLE IF NOT EXISTS module_configs (
			module_type VARCHAR(32) NOT NULL,
			module_id VARCHAR(191) NOT NULL,
			username VARCHAR(191) NOT NULL,
			config TEXT NOT NULL,
			PRIMARY KEY (module_type, module_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS module_arguments (
			module_type VARCHAR(32) NOT NULL,
			username VARCHAR(191) NOT NULL,
			rule_id VARCHAR(191) NOT NULL,
			module_id VARCHAR(191) NOT NULL,
			func_name VARCHAR(191) NOT NULL,
			args TEXT NOT NULL,
			PRIMARY KEY (module_type, username, rule_id, module_id, func_name)
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			username VARCHAR(191) NOT NULL,
			rule_id VARCHAR(191) NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY (username, rule_id)
		)`,
		`CREATE TABLE IF NOT EXISTS invocation_logs (
			username VARCHAR(191) NOT NULL,
			rule_id VARCHAR(191) NOT NULL,
			module_id VARCHAR(191) NOT NULL,
			seq BIGINT NOT NULL,
			line TEXT NOT NULL,
			PRIMARY KEY (username, rule_id, module_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS event_queue (
			seq BIGINT NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY (seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) query(q string) string {
	return str.ConvertDollarPlaceholder(q, s.dbType)
}

// Modules returns the namespace store for the given module type.
func (s *SQL) Modules(moduleType types.ModuleType) types.ModuleStore {
	if moduleType == types.EventPoller {
		return s.pollers
	}
	return s.actions
}

func (s *SQL) GetRule(user, ruleID string) (*types.Rule, error) {
	var doc string
	err := s.db.QueryRow(s.query(`SELECT doc FROM rules WHERE username = ? AND rule_id = ?`), user, ruleID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, types.ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	rule := &types.Rule{}
	if err := json.Unmarshal([]byte(doc), rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *SQL) StoreRule(user string, rule *types.Rule) error {
	doc, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(s.query(`DELETE FROM rules WHERE username = ? AND rule_id = ?`), user, rule.ID); err != nil {
		return err
	}
	_, err = s.db.Exec(s.query(`INSERT INTO rules (username, rule_id, doc) VALUES (?, ?, ?)`), user, rule.ID, string(doc))
	return err
}

func (s *SQL) DeleteRule(user, ruleID string) error {
	res, err := s.db.Exec(s.query(`DELETE FROM rules WHERE username = ? AND rule_id = ?`), user, ruleID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.ErrRuleNotFound
	}
	return nil
}

func (s *SQL) ActiveRules(ctx context.Context) (map[string][]*types.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, doc FROM rules ORDER BY username, rule_id`)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.ErrQueueTimeout
		}
		return nil, err
	}
	defer rows.Close()

	active := make(map[string][]*types.Rule)
	for rows.Next() {
		var user, doc string
		if err := rows.Scan(&user, &doc); err != nil {
			return nil, err
		}
		rule := &types.Rule{}
		if err := json.Unmarshal([]byte(doc), rule); err != nil {
			return nil, err
		}
		active[user] = append(active[user], rule)
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, types.ErrQueueTimeout
		}
		return nil, err
	}
	return active, nil
}

// AppendLog inserts one log line and prunes the slot down to its bound.
// Failures are swallowed; the invocation log is diagnostics, not state.
func (s *SQL) AppendLog(user, ruleID, moduleID, message string) {
	line := time.Now().UTC().Format(time.RFC3339) + ": " + message
	_, err := s.db.Exec(s.query(
		`INSERT INTO invocation_logs (username, rule_id, module_id, seq, line)
		 SELECT ?, ?, ?, COALESCE(MAX(seq), 0) + 1, ?
		 FROM invocation_logs WHERE username = ? AND rule_id = ? AND module_id = ?`),
		user, ruleID, moduleID, line, user, ruleID, moduleID)
	if err != nil {
		return
	}
	_, _ = s.db.Exec(s.query(
		`DELETE FROM invocation_logs
		 WHERE username = ? AND rule_id = ? AND module_id = ?
		 AND seq <= (SELECT max_seq - ? FROM (
			SELECT MAX(seq) AS max_seq FROM invocation_logs
			WHERE username = ? AND rule_id = ? AND module_id = ?) bounds)`),
		user, ruleID, moduleID, maxLogLines, user, ruleID, moduleID)
}

func (s *SQL) ResetLog(user, ruleID string) {
	_, _ = s.db.Exec(s.query(`DELETE FROM invocation_logs WHERE username = ? AND rule_id = ?`), user, ruleID)
}

func (s *SQL) InvocationLog(user, ruleID, moduleID string) string {
	rows, err := s.db.Query(s.query(
		`SELECT line FROM invocation_logs
		 WHERE username = ? AND rule_id = ? AND module_id = ? ORDER BY seq`),
		user, ruleID, moduleID)
	if err != nil {
		return ""
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return ""
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (s *SQL) PushEvent(event *types.Event) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.query(
		`INSERT INTO event_queue (seq, doc)
		 SELECT COALESCE(MAX(seq), 0) + 1, ? FROM event_queue`), string(doc))
	return err
}

// PopEvent claims the oldest queued event in one transaction, so multiple
// dispatcher processes sharing a database never double-consume.
func (s *SQL) PopEvent() (*types.Event, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int64
	var doc string
	err = tx.QueryRow(`SELECT seq, doc FROM event_queue ORDER BY seq LIMIT 1`).Scan(&seq, &doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.Exec(s.query(`DELETE FROM event_queue WHERE seq = ?`), seq)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// another consumer won the race; the next pop attempt retries
		return nil, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	event := &types.Event{}
	if err := json.Unmarshal([]byte(doc), event); err != nil {
		return nil, err
	}
	return event, nil
}

// sqlModules is one module namespace over the shared connection.
type sqlModules struct {
	s          *SQL
	moduleType types.ModuleType
}

func (s *sqlModules) GetModule(moduleID string) (*types.Module, error) {
	var doc string
	err := s.s.db.QueryRow(s.s.query(
		`SELECT doc FROM modules WHERE module_type = ? AND module_id = ?`),
		string(s.moduleType), moduleID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, types.ErrModuleNotFound
	}
	if err != nil {
		return nil, err
	}
	module := &types.Module{}
	if err := json.Unmarshal([]byte(doc), module); err != nil {
		return nil, err
	}
	return module, nil
}

func (s *sqlModules) StoreModule(owner string, module *types.Module, overwrite bool) error {
	if _, err := s.GetModule(module.ID); err == nil && !overwrite {
		return types.ErrModuleExists
	} else if err != nil && err != types.ErrModuleNotFound {
		return err
	}
	stored := *module
	stored.Owner = owner
	doc, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	if _, err := s.s.db.Exec(s.s.query(
		`DELETE FROM modules WHERE module_type = ? AND module_id = ?`),
		string(s.moduleType), module.ID); err != nil {
		return err
	}
	_, err = s.s.db.Exec(s.s.query(
		`INSERT INTO modules (module_type, module_id, owner, public, doc) VALUES (?, ?, ?, ?, ?)`),
		string(s.moduleType), module.ID, owner, stored.Public, string(doc))
	return err
}

func (s *sqlModules) DeleteModule(moduleID string) error {
	res, err := s.s.db.Exec(s.s.query(
		`DELETE FROM modules WHERE module_type = ? AND module_id = ?`),
		string(s.moduleType), moduleID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.ErrModuleNotFound
	}
	_, _ = s.s.db.Exec(s.s.query(
		`DELETE FROM module_configs WHERE module_type = ? AND module_id = ?`),
		string(s.moduleType), moduleID)
	return nil
}

func (s *sqlModules) Publish(moduleID string) error {
	return s.setPublic(moduleID, true)
}

func (s *sqlModules) Unpublish(moduleID string) error {
	return s.setPublic(moduleID, false)
}

func (s *sqlModules) setPublic(moduleID string, public bool) error {
	module, err := s.GetModule(moduleID)
	if err != nil {
		return err
	}
	module.Public = public
	return s.StoreModule(module.Owner, module, true)
}

func (s *sqlModules) AvailableModuleIDs(user string) ([]string, error) {
	rows, err := s.s.db.Query(s.s.query(
		`SELECT module_id FROM modules
		 WHERE module_type = ? AND (owner = ? OR public) ORDER BY module_id`),
		string(s.moduleType), user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlModules) StoreUserConfig(moduleID, user, encrypted string) error {
	if _, err := s.s.db.Exec(s.s.query(
		`DELETE FROM module_configs WHERE module_type = ? AND module_id = ? AND username = ?`),
		string(s.moduleType), moduleID, user); err != nil {
		return err
	}
	_, err := s.s.db.Exec(s.s.query(
		`INSERT INTO module_configs (module_type, module_id, username, config) VALUES (?, ?, ?, ?)`),
		string(s.moduleType), moduleID, user, encrypted)
	return err
}

func (s *sqlModules) UserConfig(moduleID, user string) (string, error) {
	var config string
	err := s.s.db.QueryRow(s.s.query(
		`SELECT config FROM module_configs WHERE module_type = ? AND module_id = ? AND username = ?`),
		string(s.moduleType), moduleID, user).Scan(&config)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return config, err
}

func (s *sqlModules) StoreUserArguments(user, ruleID, moduleID, funcName string, args map[string]string) error {
	doc, err := json.Marshal(args)
	if err != nil {
		return err
	}
	if _, err := s.s.db.Exec(s.s.query(
		`DELETE FROM module_arguments
		 WHERE module_type = ? AND username = ? AND rule_id = ? AND module_id = ? AND func_name = ?`),
		string(s.moduleType), user, ruleID, moduleID, funcName); err != nil {
		return err
	}
	_, err = s.s.db.Exec(s.s.query(
		`INSERT INTO module_arguments (module_type, username, rule_id, module_id, func_name, args)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		string(s.moduleType), user, ruleID, moduleID, funcName, string(doc))
	return err
}

func (s *sqlModules) UserArguments(user, ruleID, moduleID, funcName string) (map[string]string, error) {
	var doc string
	err := s.s.db.QueryRow(s.s.query(
		`SELECT args FROM module_arguments
		 WHERE module_type = ? AND username = ? AND rule_id = ? AND module_id = ? AND func_name = ?`),
		string(s.moduleType), user, ruleID, moduleID, funcName).Scan(&doc)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	args := map[string]string{}
	if err := json.Unmarshal([]byte(doc), &args); err != nil {
		return nil, err
	}
	return args, nil
}
