package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"id", "timestamp", "action", "status",
	"actor_id", "actor_email",
	"target_type", "target_id", "target_label",
	"ip_address", "request_id", "method", "path", "status_code",
	"message", "details",
}

// Export writes events to w in the requested format.
func Export(w io.Writer, events []*Event, format ExportFormat) error {
	switch format {
	case ExportFormatCSV:
		return exportCSV(w, events)
	case ExportFormatNDJSON:
		return exportNDJSON(w, events)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportCSV(w io.Writer, events []*Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range events {
		actorID := ""
		if e.ActorID != nil {
			actorID = strconv.FormatInt(*e.ActorID, 10)
		}
		details := ""
		if e.Details != nil {
			data, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("failed to marshal details: %w", err)
			}
			details = string(data)
		}
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.Format(time.RFC3339),
			string(e.Action),
			string(e.Status),
			actorID,
			e.ActorEmail,
			string(e.TargetType),
			e.TargetID,
			e.TargetLabel,
			e.IPAddress,
			e.RequestID,
			e.Method,
			e.Path,
			strconv.Itoa(e.StatusCode),
			e.Message,
			details,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func exportNDJSON(w io.Writer, events []*Event) error {
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}
