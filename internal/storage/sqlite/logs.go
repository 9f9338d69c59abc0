package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

const insertLogSQL = `INSERT INTO attempt_logs (
	id, request_id, key_id, project_id, org_id,
	requested_model, requested_provider, used_model, used_provider, native_model,
	temperature, top_p, max_tokens, frequency_penalty, presence_penalty, reasoning_effort,
	prompt_tokens, completion_tokens, total_tokens, reasoning_tokens, cached_tokens, web_search_count,
	cost_total, cost_input, cost_output, cost_cached_input, cost_request,
	cost_web_search, cost_image_input, cost_image_output, cost_data_storage,
	estimated_cost, discount, duration_ms, ttft_ms, ttrt_ms,
	finish_reason, has_error, error_details, streamed, canceled, cached,
	retried, retried_by_log_id, routing_metadata, tool_results, plugins, plugin_results,
	content, reasoning_content, raw_request, raw_response,
	source, user_agent, custom_headers, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertAttemptLogs writes a batch of attempt logs in a single transaction.
func (s *Store) InsertAttemptLogs(ctx context.Context, logs []*gateway.AttemptLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertLogSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		plugins, err := marshalJSON(l.Plugins)
		if err != nil {
			return err
		}
		headers := sql.NullString{}
		if len(l.CustomHeaders) > 0 {
			if headers, err = marshalJSON(l.CustomHeaders); err != nil {
				return err
			}
		}
		_, err = stmt.ExecContext(ctx,
			l.ID, l.RequestID, l.KeyID, l.ProjectID, l.OrgID,
			l.RequestedModel, nullStr(l.RequestedProvider), nullStr(l.UsedModel),
			nullStr(l.UsedProvider), nullStr(l.NativeModel),
			nullFloat(l.Temperature), nullFloat(l.TopP), nullInt(l.MaxTokens),
			nullFloat(l.FrequencyPenalty), nullFloat(l.PresencePenalty), nullStr(l.ReasoningEffort),
			l.PromptTokens, l.CompletionTokens, l.TotalTokens, l.ReasoningTokens,
			l.CachedTokens, l.WebSearchCount,
			l.CostTotal, l.CostInput, l.CostOutput, l.CostCachedInput, l.CostRequest,
			l.CostWebSearch, l.CostImageInput, l.CostImageOutput, l.CostDataStorage,
			boolToInt(l.EstimatedCost), l.Discount, l.DurationMs, l.TTFTMs, l.TTRTMs,
			nullStr(l.FinishReason), boolToInt(l.HasError), nullStr(l.ErrorDetails),
			boolToInt(l.Streamed), boolToInt(l.Canceled), boolToInt(l.Cached),
			boolToInt(l.Retried), nullStr(l.RetriedByLogID),
			rawToNull(l.RoutingMetadata), rawToNull(l.ToolResults), plugins, rawToNull(l.PluginResults),
			nullStr(l.Content), nullStr(l.ReasoningContent), l.RawRequest, l.RawResponse,
			nullStr(l.Source), nullStr(l.UserAgent), headers,
			l.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func rawToNull(r json.RawMessage) sql.NullString {
	if len(r) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
