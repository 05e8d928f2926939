package actor

import (
	"context"

	"github.com/teris-io/shortid"

	"contour/dem"
	"contour/manager"
	"contour/source"
)

//RemoteDemManager 通过 Actor 调用工作端管理器
type RemoteDemManager struct {
	id    string
	actor *Actor
}

var _ manager.DemManager = (*RemoteDemManager)(nil)

// NewRemoteDemManager asks the other side of a to create a manager for init
// and waits until it is ready. An empty ManagerID gets a fresh one.
func NewRemoteDemManager(ctx context.Context, a *Actor, init InitMessage) (*RemoteDemManager, error) {
	if init.ManagerID == "" {
		id, err := shortid.Generate()
		if err != nil {
			return nil, err
		}
		init.ManagerID = id
	}
	if err := a.Send(ctx, MethodInit, nil, init, nil); err != nil {
		return nil, err
	}
	return &RemoteDemManager{id: init.ManagerID, actor: a}, nil
}

// ID is the manager id on the worker side.
func (r *RemoteDemManager) ID() string {
	return r.id
}

// FetchTile implements manager.DemManager.
func (r *RemoteDemManager) FetchTile(ctx context.Context, z, x, y int, timer *manager.Timer) (*source.Response, error) {
	resp := &source.Response{}
	err := r.actor.Send(ctx, MethodFetchTile, timer, tileRequest{ManagerID: r.id, Z: z, X: x, Y: y}, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchAndParseTile implements manager.DemManager.
func (r *RemoteDemManager) FetchAndParseTile(ctx context.Context, z, x, y int, timer *manager.Timer) (*dem.DemTile, error) {
	msg := &demTileMessage{}
	err := r.actor.Send(ctx, MethodFetchAndParseTile, timer, tileRequest{ManagerID: r.id, Z: z, X: x, Y: y}, msg)
	if err != nil {
		return nil, err
	}
	return msg.unpack()
}

// FetchContourTile implements manager.DemManager.
func (r *RemoteDemManager) FetchContourTile(ctx context.Context, z, x, y int, opts manager.Options, timer *manager.Timer) (*manager.ContourTile, error) {
	tile := &manager.ContourTile{}
	err := r.actor.Send(ctx, MethodFetchContourTile, timer, tileRequest{ManagerID: r.id, Z: z, X: x, Y: y, Options: &opts}, tile)
	if err != nil {
		return nil, err
	}
	if tile.Data == nil {
		tile.Data = []byte{}
	}
	return tile, nil
}
