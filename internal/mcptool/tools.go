package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tashfeenahmed/scallop/internal/board"
	"github.com/tashfeenahmed/scallop/internal/engine"
	"github.com/tashfeenahmed/scallop/internal/retrieval"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// RegisterMemoryTools wires the engine, board and store into the server
func RegisterMemoryTools(s *Server, eng *engine.Engine, brd *board.Manager, db *store.DB) {
	s.RegisterTool("remember", ToolDef{
		Description: "Store a memory about the user",
		Properties: map[string]PropDef{
			"user_id":  {Type: "string", Description: "User identifier (may carry a channel prefix)"},
			"content":  {Type: "string", Description: "The fact or event to remember"},
			"category": {Type: "string", Description: "preference, fact, event, relationship or insight"},
		},
		Required: []string{"user_id", "content"},
	}, func(args map[string]any) (string, error) {
		userID, _ := args["user_id"].(string)
		content, _ := args["content"].(string)
		category, _ := args["category"].(string)
		m, err := eng.Ingest(context.Background(), userID, content, engine.IngestOptions{
			Category: store.Category(category),
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Stored memory %s", m.ID), nil
	})

	s.RegisterTool("recall", ToolDef{
		Description: "Retrieve memories relevant to a query",
		Properties: map[string]PropDef{
			"user_id": {Type: "string", Description: "User identifier"},
			"query":   {Type: "string", Description: "What to look for"},
			"limit":   {Type: "number", Description: "Max results (default 5)"},
		},
		Required: []string{"user_id", "query"},
	}, func(args map[string]any) (string, error) {
		userID, _ := args["user_id"].(string)
		query, _ := args["query"].(string)
		limit := 5
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}
		results, err := eng.Recall(context.Background(), userID, query, limit, retrieval.Options{})
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "No relevant memories.", nil
		}
		var sb strings.Builder
		for _, r := range results {
			fmt.Fprintf(&sb, "- [%.2f] %s\n", r.Score, r.Memory.Content)
		}
		return sb.String(), nil
	})

	s.RegisterTool("board_list", ToolDef{
		Description: "List a user's scheduled items in one kanban column",
		Properties: map[string]PropDef{
			"user_id": {Type: "string", Description: "User identifier"},
			"column":  {Type: "string", Description: "inbox, backlog, scheduled, in_progress, waiting, done or archived"},
		},
		Required: []string{"user_id", "column"},
	}, func(args map[string]any) (string, error) {
		userID, _ := args["user_id"].(string)
		column, _ := args["column"].(string)
		items, err := brd.Column(userID, store.BoardStatus(column))
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "Column is empty.", nil
		}
		var sb strings.Builder
		for _, it := range items {
			fmt.Fprintf(&sb, "- %s [%s/%s] %s\n", it.ID, it.Kind, it.Priority, it.Message)
		}
		return sb.String(), nil
	})

	s.RegisterTool("board_move", ToolDef{
		Description: "Move a scheduled item to a kanban column",
		Properties: map[string]PropDef{
			"item_id": {Type: "string", Description: "Item identifier"},
			"column":  {Type: "string", Description: "Target column"},
		},
		Required: []string{"item_id", "column"},
	}, func(args map[string]any) (string, error) {
		itemID, _ := args["item_id"].(string)
		column, _ := args["column"].(string)
		if err := brd.Move(itemID, store.BoardStatus(column)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Moved %s to %s", itemID, column), nil
	})

	s.RegisterTool("stats", ToolDef{
		Description: "Report store table counts",
		Properties:  map[string]PropDef{},
	}, func(args map[string]any) (string, error) {
		stats, err := db.Stats()
		if err != nil {
			return "", err
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		return string(data), nil
	})
}
