package dto

import (
	"github.com/musterhq/muster/internal/agents"
	"github.com/musterhq/muster/internal/store"
)

type ListAgentsResponse struct {
	Agents []agents.Agent `json:"agents"`
	Count  int            `json:"count"`
}

type QueueResponse struct {
	Commands []store.QueueEntry `json:"commands"`
	Count    int                `json:"count"`
}

type ConnectionHistoryResponse struct {
	Connections []agents.ConnectionLog `json:"connections"`
	Count       int                    `json:"count"`
}
