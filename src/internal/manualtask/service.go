package manualtask

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/log"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/record"
	"go.uber.org/zap"
)

// EnsureInstances creates a pending instance for every current config of the
// task whose action matches, reusing instances that already exist for the
// request.  Safe to call repeatedly; a resumed or retried request never gets
// duplicate instances.
func EnsureInstances(ctx context.Context, ext sqlx.ExtContext, task prdb.ManualTask, configs []prdb.ManualTaskConfig, requestID, action string) ([]prdb.ManualTaskInstance, error) {
	var out []prdb.ManualTaskInstance
	for _, cfg := range configs {
		if cfg.Action != action || !cfg.IsCurrent || cfg.IsDeleted {
			continue
		}
		inst, err := prdb.GetInstance(ctx, ext, task.ID, cfg.ID, requestID)
		if err == nil {
			out = append(out, inst)
			continue
		}
		var nf *prdb.InstanceNotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		inst, err = prdb.CreateInstance(ctx, ext, task.ID, cfg.ID, requestID)
		if err != nil {
			return nil, err
		}
		log.Info(ctx, "created manual task instance",
			zap.String("connection", task.ConnectionKey),
			zap.String("instance", inst.ID))
		out = append(out, inst)
	}
	return out, nil
}

// MissingFields returns the keys of required fields that have no submission
// yet.  Optional fields never block completion.
func MissingFields(cfg prdb.ManualTaskConfig, submissions []prdb.ManualTaskSubmission) []string {
	submitted := map[string]bool{}
	for _, s := range submissions {
		submitted[s.FieldKey] = true
	}
	var missing []string
	for _, f := range cfg.Fields {
		if f.Required && !submitted[f.Key] {
			missing = append(missing, f.Key)
		}
	}
	return missing
}

// SubmittedRow assembles one record row from an instance's submissions.  When
// a field was submitted more than once the latest submission wins.  Fields
// never submitted are absent from the row.
func SubmittedRow(cfg prdb.ManualTaskConfig, submissions []prdb.ManualTaskSubmission) (record.Row, error) {
	latest := map[string]json.RawMessage{}
	for _, s := range submissions {
		latest[s.FieldKey] = s.Value
	}
	row := record.Row{}
	for _, f := range cfg.Fields {
		raw, ok := latest[f.Key]
		if !ok {
			continue
		}
		var x interface{}
		if err := json.Unmarshal(raw, &x); err != nil {
			return nil, errors.Wrapf(err, "decode submission for field %s", f.Key)
		}
		row[f.Key] = record.FromAny(x)
	}
	return row, nil
}
