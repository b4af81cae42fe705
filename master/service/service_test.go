package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrife/grouse/master"
	"github.com/jrife/grouse/master/catalog"
	"github.com/jrife/grouse/master/service"
	"github.com/jrife/grouse/storage/kv/plugins/bbolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newAdmin(t *testing.T, start bool) (*service.Admin, *master.Master) {
	t.Helper()

	plugin := &bbolt.BBoltPlugin{}
	store, err := plugin.NewTempStore()
	require.NoError(t, err)

	t.Cleanup(func() { store.Delete() })

	m := master.New(master.MasterConfig{
		Store:         store,
		SweepInterval: time.Hour,
	})

	t.Cleanup(func() { m.Shutdown() })

	if start {
		require.NoError(t, m.Init())
		require.NoError(t, m.Start())
	}

	return service.NewAdmin(service.AdminConfig{Master: m}), m
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()

	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), "unexpected status for error: %v", err)
}

func heartbeat(t *testing.T, admin *service.Admin, ids ...string) {
	t.Helper()

	for _, id := range ids {
		_, err := admin.Heartbeat(context.Background(), &service.HeartbeatRequest{
			NodeID:  id,
			Address: id + ":7050",
			SeqNo:   1,
		})
		require.NoError(t, err)
	}
}

func TestRequestsRejectedWhileNotRunning(t *testing.T) {
	admin, _ := newAdmin(t, false)
	ctx := context.Background()

	_, err := admin.Heartbeat(ctx, &service.HeartbeatRequest{NodeID: "n1", Address: "n1:7050"})
	requireCode(t, err, codes.Unavailable)

	_, err = admin.ListTables(ctx)
	requireCode(t, err, codes.Unavailable)

	_, err = admin.CreateTable(ctx, &service.CreateTableRequest{Name: "t"})
	requireCode(t, err, codes.Unavailable)
}

func TestHeartbeat(t *testing.T) {
	admin, _ := newAdmin(t, true)
	ctx := context.Background()

	response, err := admin.Heartbeat(ctx, &service.HeartbeatRequest{NodeID: "n1", Address: "n1:7050", SeqNo: 1})
	require.NoError(t, err)
	assert.True(t, response.IsNewNode)

	response, err = admin.Heartbeat(ctx, &service.HeartbeatRequest{NodeID: "n1", Address: "n1:7050", SeqNo: 2})
	require.NoError(t, err)
	assert.False(t, response.IsNewNode)

	_, err = admin.Heartbeat(ctx, &service.HeartbeatRequest{NodeID: "n1"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestCreateTableStatusCodes(t *testing.T) {
	admin, _ := newAdmin(t, true)
	ctx := context.Background()

	heartbeat(t, admin, "n1", "n2", "n3")

	schema := []catalog.ColumnSchema{{Name: "key", Type: "string"}}

	// malformed spec
	_, err := admin.CreateTable(ctx, &service.CreateTableRequest{Name: "t", ReplicationFactor: 1})
	requireCode(t, err, codes.InvalidArgument)

	// not enough live capacity
	_, err = admin.CreateTable(ctx, &service.CreateTableRequest{Name: "t", Schema: schema, ReplicationFactor: 5})
	requireCode(t, err, codes.Unavailable)

	response, err := admin.CreateTable(ctx, &service.CreateTableRequest{Name: "t", Schema: schema, ReplicationFactor: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, response.TableID)

	// duplicate name
	_, err = admin.CreateTable(ctx, &service.CreateTableRequest{Name: "t", Schema: schema, ReplicationFactor: 3})
	requireCode(t, err, codes.AlreadyExists)
}

func TestGetTableInfoAndListTables(t *testing.T) {
	admin, _ := newAdmin(t, true)
	ctx := context.Background()

	heartbeat(t, admin, "n1", "n2", "n3")

	_, err := admin.GetTableInfo(ctx, &service.GetTableInfoRequest{Name: "t"})
	requireCode(t, err, codes.NotFound)

	created, err := admin.CreateTable(ctx, &service.CreateTableRequest{
		Name:              "t",
		Schema:            []catalog.ColumnSchema{{Name: "key", Type: "string"}},
		SplitKeys:         []string{"m"},
		ReplicationFactor: 3,
	})
	require.NoError(t, err)

	info, err := admin.GetTableInfo(ctx, &service.GetTableInfoRequest{Name: "t"})
	require.NoError(t, err)
	assert.Equal(t, created.TableID, info.Info.Table.ID)
	assert.Len(t, info.Info.Tablets, 2)

	tables, err := admin.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables.Tables, 1)
	assert.Equal(t, "t", tables.Tables[0].Name)
	assert.Equal(t, 2, tables.Tables[0].TabletCount)
}

func TestDeleteTable(t *testing.T) {
	admin, _ := newAdmin(t, true)
	ctx := context.Background()

	heartbeat(t, admin, "n1")

	err := admin.DeleteTable(ctx, &service.DeleteTableRequest{Name: "t"})
	requireCode(t, err, codes.NotFound)

	_, err = admin.CreateTable(ctx, &service.CreateTableRequest{
		Name:              "t",
		Schema:            []catalog.ColumnSchema{{Name: "key", Type: "string"}},
		ReplicationFactor: 1,
	})
	require.NoError(t, err)

	require.NoError(t, admin.DeleteTable(ctx, &service.DeleteTableRequest{Name: "t"}))

	_, err = admin.GetTableInfo(ctx, &service.GetTableInfoRequest{Name: "t"})
	requireCode(t, err, codes.NotFound)
}

func TestListNodesAndDecommission(t *testing.T) {
	admin, _ := newAdmin(t, true)
	ctx := context.Background()

	heartbeat(t, admin, "n1", "n2")

	nodes, err := admin.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes.Nodes, 2)
	assert.Equal(t, "n1", nodes.Nodes[0].ID)

	err = admin.DecommissionNode(ctx, &service.DecommissionNodeRequest{NodeID: "n9"})
	requireCode(t, err, codes.NotFound)

	require.NoError(t, admin.DecommissionNode(ctx, &service.DecommissionNodeRequest{NodeID: "n1"}))

	nodes, err = admin.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes.Nodes, 1)
}

func TestMutationHonorsDeadline(t *testing.T) {
	admin, _ := newAdmin(t, true)

	heartbeat(t, admin, "n1")

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := admin.CreateTable(expired, &service.CreateTableRequest{
		Name:              "t",
		Schema:            []catalog.ColumnSchema{{Name: "key", Type: "string"}},
		ReplicationFactor: 1,
	})
	requireCode(t, err, codes.DeadlineExceeded)
}
