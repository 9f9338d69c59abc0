package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// UpsertModel writes a model and replaces its provider mappings. Runs at
// bootstrap so config price edits take effect on restart.
func (s *Store) UpsertModel(ctx context.Context, def *gateway.ModelDef) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	output, err := marshalJSON(def.Output)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO models (id, family, free, output) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 family = excluded.family, free = excluded.free, output = excluded.output`,
		def.ID, def.Family, boolToInt(def.Free), output,
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM model_mappings WHERE model_id = ?`, def.ID); err != nil {
		return err
	}
	for i := range def.Providers {
		m := &def.Providers[i]
		params, err := marshalJSON(m.SupportedParams)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO model_mappings (model_id, provider_id, model_name,
			 input_price, output_price, cached_input_price, request_price,
			 image_input_price, image_output_price, context_size, max_output,
			 supported_params, stability, discount, vision, tools, reasoning,
			 reasoning_max_tokens, json_output, json_output_schema, streaming,
			 web_search, image_generations, deprecated_at, deactivated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			def.ID, m.ProviderID, m.ModelName,
			m.InputPrice, m.OutputPrice, m.CachedInputPrice, m.RequestPrice,
			m.ImageInputPrice, m.ImageOutputPrice, m.ContextSize, m.MaxOutput,
			params, nullStr(m.Stability), m.Discount, boolToInt(m.Vision),
			boolToInt(m.Tools), boolToInt(m.Reasoning), boolToInt(m.ReasoningMaxTokens),
			boolToInt(m.JSONOutput), boolToInt(m.JSONOutputSchema), boolToInt(m.Streaming),
			boolToInt(m.WebSearch), boolToInt(m.ImageGenerations),
			timeToStr(m.DeprecatedAt), timeToStr(m.DeactivatedAt),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadModels returns the full catalog with provider mappings attached.
func (s *Store) LoadModels(ctx context.Context) ([]gateway.ModelDef, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT id, family, free, output FROM models ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []gateway.ModelDef
	index := make(map[string]int)
	for rows.Next() {
		var d gateway.ModelDef
		var free int
		var output sql.NullString
		if err := rows.Scan(&d.ID, &d.Family, &free, &output); err != nil {
			return nil, err
		}
		d.Free = free != 0
		d.Output = unmarshalStrings(output)
		index[d.ID] = len(defs)
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.read.QueryContext(ctx,
		`SELECT model_id, provider_id, model_name, input_price, output_price,
		 cached_input_price, request_price, image_input_price, image_output_price,
		 context_size, max_output, supported_params, stability, discount, vision,
		 tools, reasoning, reasoning_max_tokens, json_output, json_output_schema,
		 streaming, web_search, image_generations, deprecated_at, deactivated_at
		 FROM model_mappings ORDER BY model_id, provider_id`,
	)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()

	for mrows.Next() {
		var modelID string
		var m gateway.ProviderMapping
		var params, stability, deprecatedAt, deactivatedAt sql.NullString
		var vision, tools, reasoning, reasoningMax, jsonOut, jsonSchema, streaming, webSearch, imageGen int
		err := mrows.Scan(&modelID, &m.ProviderID, &m.ModelName, &m.InputPrice, &m.OutputPrice,
			&m.CachedInputPrice, &m.RequestPrice, &m.ImageInputPrice, &m.ImageOutputPrice,
			&m.ContextSize, &m.MaxOutput, &params, &stability, &m.Discount, &vision,
			&tools, &reasoning, &reasoningMax, &jsonOut, &jsonSchema,
			&streaming, &webSearch, &imageGen, &deprecatedAt, &deactivatedAt,
		)
		if err != nil {
			return nil, err
		}
		m.SupportedParams = unmarshalStrings(params)
		m.Stability = stability.String
		m.Vision = vision != 0
		m.Tools = tools != 0
		m.Reasoning = reasoning != 0
		m.ReasoningMaxTokens = reasoningMax != 0
		m.JSONOutput = jsonOut != 0
		m.JSONOutputSchema = jsonSchema != 0
		m.Streaming = streaming != 0
		m.WebSearch = webSearch != 0
		m.ImageGenerations = imageGen != 0
		m.DeprecatedAt = parseTime(deprecatedAt)
		m.DeactivatedAt = parseTime(deactivatedAt)

		i, ok := index[modelID]
		if !ok {
			continue
		}
		defs[i].Providers = append(defs[i].Providers, m)
	}
	return defs, mrows.Err()
}
