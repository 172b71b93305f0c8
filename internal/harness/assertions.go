package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/engine"
)

// checkReport compares a cycle report against a sync step's expectations and
// returns one message per mismatch.
func checkReport(want *SyncStep, report engine.Report, err error) []string {
	var errs []string

	outcome := want.Outcome
	if outcome == "" {
		outcome = string(engine.OutcomeSuccess)
	}
	if string(report.Outcome) != outcome {
		errs = append(errs, fmt.Sprintf("outcome: expected %s, got %s (err: %v)", outcome, report.Outcome, err))
	}
	if want.FailedAt != "" && report.FailedAt.String() != want.FailedAt {
		errs = append(errs, fmt.Sprintf("failed_at: expected %s, got %s", want.FailedAt, report.FailedAt))
	}
	if want.Code != "" && string(engine.CodeOf(err)) != want.Code {
		errs = append(errs, fmt.Sprintf("code: expected %s, got %q", want.Code, engine.CodeOf(err)))
	}
	errs = appendCount(errs, "pulled", want.Pulled, report.Pulled)
	errs = appendCount(errs, "pushed", want.Pushed, report.Pushed)
	errs = appendCount(errs, "conflicts", want.Conflicts, report.Conflicts)
	return errs
}

func appendCount(errs []string, name string, want *int, got int) []string {
	if want != nil && *want != got {
		errs = append(errs, fmt.Sprintf("%s: expected %d, got %d", name, *want, got))
	}
	return errs
}

// EvaluateExpect checks the final state of result against want and returns
// one message per mismatch.
func EvaluateExpect(result *Result, want *Expect) []string {
	var errs []string

	if want.Cursor != nil && *want.Cursor != result.Cursor {
		errs = append(errs, fmt.Sprintf("cursor: expected %d, got %d", *want.Cursor, result.Cursor))
	}
	if want.Pending != nil && *want.Pending != result.Pending {
		errs = append(errs, fmt.Sprintf("pending: expected %d, got %d", *want.Pending, result.Pending))
	}
	if want.ServerVersion != nil && *want.ServerVersion != result.ServerVersion {
		errs = append(errs, fmt.Sprintf("server_version: expected %d, got %d", *want.ServerVersion, result.ServerVersion))
	}

	for _, table := range sortedKeys(want.Local) {
		errs = append(errs, matchRecords("local", table, want.Local[table], result.Local[change.TableName(table)])...)
	}
	for _, table := range sortedKeys(want.Server) {
		errs = append(errs, matchRecords("server", table, want.Server[table], result.Server[change.TableName(table)])...)
	}
	return errs
}

// matchRecords checks that got holds exactly the ids listed in want, in
// order, and that every key listed for a record matches.
func matchRecords(side, table string, want []map[string]any, got []change.Record) []string {
	wantIDs := make([]string, 0, len(want))
	for _, w := range want {
		id, _ := w[change.KeyID].(string)
		wantIDs = append(wantIDs, id)
	}
	gotIDs := make([]string, 0, len(got))
	for _, r := range got {
		gotIDs = append(gotIDs, r.ID)
	}
	if !slices.Equal(wantIDs, gotIDs) {
		return []string{fmt.Sprintf("%s %s: expected ids %v, got %v", side, table, wantIDs, gotIDs)}
	}

	var errs []string
	for i, w := range want {
		actual, err := flatten(got[i])
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s %s/%s: %v", side, table, got[i].ID, err))
			continue
		}
		for _, key := range sortedKeys(w) {
			if msg := matchValue(w[key], actual[key]); msg != "" {
				errs = append(errs, fmt.Sprintf("%s %s/%s: %s: %s", side, table, got[i].ID, key, msg))
			}
		}
	}
	return errs
}

// flatten renders a record the way it goes over the wire.
func flatten(r change.Record) (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return change.DecodeObject(data)
}

// matchValue compares an expected YAML value with an actual decoded value by
// their canonical JSON forms. Returns "" on match.
func matchValue(want, got any) string {
	w, err := canonicalValue(want)
	if err != nil {
		return fmt.Sprintf("bad expected value: %v", err)
	}
	g, err := canonicalValue(got)
	if err != nil {
		return fmt.Sprintf("bad actual value: %v", err)
	}
	if !bytes.Equal(w, g) {
		return fmt.Sprintf("expected %s, got %s", w, g)
	}
	return ""
}

// canonicalValue normalizes a value from YAML or JSON decoding into canonical
// JSON. Values are re-decoded with UseNumber first so ints and json.Number
// compare equal.
func canonicalValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return change.MarshalCanonical(generic)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
