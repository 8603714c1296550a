package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepstream-io/recordd/internal/record"
)

func TestConfigEvaluatorWithNoRulesAllowsEverything(t *testing.T) {
	e := &ConfigEvaluator{}

	var allowed bool
	var err error
	e.CanPerformAction(context.Background(), "alice", record.Message{Action: record.ActionUpdate, Name: "doc/1"}, nil, nil, func(a bool, e error) {
		allowed, err = a, e
	})
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestConfigEvaluatorFirstMatchWins(t *testing.T) {
	e := &ConfigEvaluator{rules: []Rule{
		{Action: "UPDATE", NamePattern: "private/**", User: "*", Allow: false},
		{Action: "*", NamePattern: "*", User: "*", Allow: true},
	}}

	var allowed bool
	e.CanPerformAction(context.Background(), "alice", record.Message{Action: record.ActionUpdate, Name: "private/doc"}, nil, nil, func(a bool, err error) {
		allowed = a
		require.NoError(t, err)
	})
	require.False(t, allowed)

	e.CanPerformAction(context.Background(), "alice", record.Message{Action: record.ActionUpdate, Name: "public/doc"}, nil, nil, func(a bool, err error) {
		allowed = a
		require.NoError(t, err)
	})
	require.True(t, allowed)
}

func TestConfigEvaluatorFiltersByUser(t *testing.T) {
	e := &ConfigEvaluator{rules: []Rule{
		{Action: "*", NamePattern: "*", User: "admin", Allow: true},
		{Action: "*", NamePattern: "*", User: "*", Allow: false},
	}}

	var allowed bool
	e.CanPerformAction(context.Background(), "admin", record.Message{Action: record.ActionRead, Name: "doc/1"}, nil, nil, func(a bool, err error) {
		allowed = a
	})
	require.True(t, allowed)

	e.CanPerformAction(context.Background(), "guest", record.Message{Action: record.ActionRead, Name: "doc/1"}, nil, nil, func(a bool, err error) {
		allowed = a
	})
	require.False(t, allowed)
}
