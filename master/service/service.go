package service

import (
	"context"
	"errors"

	"github.com/jrife/grouse/master"
	"github.com/jrife/grouse/master/catalog"
	"github.com/jrife/grouse/master/registry"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// HeartbeatRequest is a storage node's periodic liveness report
type HeartbeatRequest struct {
	NodeID              string
	Address             string
	SeqNo               int64
	ReportedTabletCount int
}

// HeartbeatResponse reports whether the node transitioned to LIVE
type HeartbeatResponse struct {
	IsNewNode bool
}

// CreateTableRequest creates a table with len(SplitKeys)+1 tablets
type CreateTableRequest struct {
	Name              string
	Schema            []catalog.ColumnSchema
	SplitKeys         []string
	ReplicationFactor int
}

// CreateTableResponse carries the id assigned to the new table
type CreateTableResponse struct {
	TableID string
}

// DeleteTableRequest deletes the table with this name
type DeleteTableRequest struct {
	Name string
}

// GetTableInfoRequest fetches a table and its tablets
type GetTableInfoRequest struct {
	Name string
}

// GetTableInfoResponse carries the table, its schema and its tablets
// with their replica sets
type GetTableInfoResponse struct {
	Info catalog.TableInfo
}

// ListTablesResponse carries summaries ordered by table name
type ListTablesResponse struct {
	Tables []catalog.TableSummary
}

// ListNodesResponse carries every registered node ordered by id
type ListNodesResponse struct {
	Nodes []registry.Node
}

// DecommissionNodeRequest removes the node from the registry
type DecommissionNodeRequest struct {
	NodeID string
}

// AdminConfig contains configuration for an Admin
type AdminConfig struct {
	Logger *zap.Logger
	Master *master.Master
}

// Admin is the RPC-shaped entry point of the master. It maps requests
// onto the coordinator and translates internal failure signals into
// wire-level status codes. The transport that delivers requests to it
// is a collaborator: Admin itself is transport-agnostic.
type Admin struct {
	logger *zap.Logger
	master *master.Master
}

// NewAdmin creates an Admin for a master
func NewAdmin(config AdminConfig) *Admin {
	admin := &Admin{
		logger: config.Logger,
		master: config.Master,
	}

	if admin.logger == nil {
		admin.logger = zap.L()
	}

	return admin
}

// Heartbeat applies a node heartbeat
func (admin *Admin) Heartbeat(ctx context.Context, request *HeartbeatRequest) (*HeartbeatResponse, error) {
	transitioned, err := admin.master.Heartbeat(ctx, request.NodeID, request.Address, request.SeqNo, request.ReportedTabletCount)

	if err != nil {
		return nil, toStatus(err)
	}

	return &HeartbeatResponse{IsNewNode: transitioned}, nil
}

// CreateTable creates a table and its initial tablets. Either the
// table and all of its tablets become visible or nothing does.
func (admin *Admin) CreateTable(ctx context.Context, request *CreateTableRequest) (*CreateTableResponse, error) {
	ctx = log.WithFields(ctx, zap.String("rpc", "CreateTable"))

	var tableID string

	err := admin.runMutation(ctx, func() error {
		var err error
		tableID, err = admin.master.CreateTable(ctx, catalog.TableSpec{
			Name:              request.Name,
			Schema:            request.Schema,
			SplitKeys:         request.SplitKeys,
			ReplicationFactor: request.ReplicationFactor,
		})

		return err
	})

	if err != nil {
		return nil, err
	}

	return &CreateTableResponse{TableID: tableID}, nil
}

// DeleteTable tombstones a table and its tablets
func (admin *Admin) DeleteTable(ctx context.Context, request *DeleteTableRequest) error {
	ctx = log.WithFields(ctx, zap.String("rpc", "DeleteTable"))

	return admin.runMutation(ctx, func() error {
		return admin.master.DeleteTable(ctx, request.Name)
	})
}

// ListTables lists every live table
func (admin *Admin) ListTables(ctx context.Context) (*ListTablesResponse, error) {
	tables, err := admin.master.ListTables(ctx)

	if err != nil {
		return nil, toStatus(err)
	}

	return &ListTablesResponse{Tables: tables}, nil
}

// GetTableInfo returns a table's schema, tablets and replica sets
func (admin *Admin) GetTableInfo(ctx context.Context, request *GetTableInfoRequest) (*GetTableInfoResponse, error) {
	info, err := admin.master.GetTableInfo(ctx, request.Name)

	if err != nil {
		return nil, toStatus(err)
	}

	return &GetTableInfoResponse{Info: info}, nil
}

// ListNodes lists every registered node
func (admin *Admin) ListNodes(ctx context.Context) (*ListNodesResponse, error) {
	nodes, err := admin.master.ListNodes(ctx)

	if err != nil {
		return nil, toStatus(err)
	}

	return &ListNodesResponse{Nodes: nodes}, nil
}

// DecommissionNode removes a node from the registry
func (admin *Admin) DecommissionNode(ctx context.Context, request *DecommissionNodeRequest) error {
	if err := admin.master.DecommissionNode(ctx, request.NodeID); err != nil {
		return toStatus(err)
	}

	return nil
}

// runMutation runs op while honoring the caller's deadline. A commit
// that has not completed by the deadline keeps running to completion
// in the background and the caller gets DeadlineExceeded: durability
// takes precedence over RPC timeliness, the commit is never rolled
// back because the caller stopped waiting.
func (admin *Admin) runMutation(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return toStatus(err)
	}

	done := make(chan error, 1)

	go func() {
		done <- op()
	}()

	select {
	case err := <-done:
		return toStatus(err)
	case <-ctx.Done():
		admin.logger.Warn("caller gave up on a mutation still in flight", zap.Error(ctx.Err()))

		return toStatus(ctx.Err())
	}
}

// toStatus translates internal failure signals into wire-level status
// codes. Internal packages never surface raw faults across this
// boundary.
func toStatus(err error) error {
	if err == nil {
		return nil
	}

	var code codes.Code

	switch {
	case errors.Is(err, master.ErrNotRunning):
		code = codes.Unavailable
	case errors.Is(err, master.ErrIllegalState):
		code = codes.FailedPrecondition
	case errors.Is(err, registry.ErrInvalidHeartbeat), errors.Is(err, catalog.ErrInvalidSpec):
		code = codes.InvalidArgument
	case errors.Is(err, catalog.ErrNoSuchTable), errors.Is(err, catalog.ErrNoSuchTablet), errors.Is(err, registry.ErrNoSuchNode):
		code = codes.NotFound
	case errors.Is(err, catalog.ErrTableExists):
		code = codes.AlreadyExists
	case errors.Is(err, catalog.ErrNotEnoughNodes):
		code = codes.Unavailable
	case errors.Is(err, catalog.ErrReplicaSetConflict):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}

	return status.Error(code, err.Error())
}
