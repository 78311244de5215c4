package main

import (
	"context"

	"github.com/oceangrid/dirsync/internal/models"
	registry "github.com/oceangrid/dirsync/internal/registry/etcd"
)

func ptr(id models.NodeID) *models.NodeID { return &id }

func main() {
	ctx := context.Background()
	reg, err := registry.NewRegistry("localhost:2379")
	if err != nil {
		panic(err)
	}
	defer reg.Close()

	nodes := []models.Node{
		{
			ID:       "root-no",
			Level:    0,
			Type:     models.NodeTypeRoot,
			Active:   true,
			Health:   models.HealthHealthy,
			Endpoint: "http://root-no.msd.svc:8080",
		},
		{
			ID:       "nat-no",
			ParentID: ptr("root-no"),
			Level:    1,
			Type:     models.NodeTypeNational,
			Active:   true,
			Health:   models.HealthHealthy,
			Endpoint: "http://nat-no.msd.svc:8080",
		},
		{
			ID:       "reg-no-west",
			ParentID: ptr("nat-no"),
			Level:    2,
			Type:     models.NodeTypeRegional,
			Active:   true,
			Health:   models.HealthHealthy,
			Endpoint: "http://reg-no-west.msd.svc:8080",
		},
		{
			ID:       "leaf-no-bergen",
			ParentID: ptr("reg-no-west"),
			Level:    3,
			Type:     models.NodeTypeLeaf,
			Active:   true,
			Health:   models.HealthHealthy,
			Endpoint: "http://leaf-no-bergen.msd.svc:8080",
		},
	}
	for _, node := range nodes {
		if err := reg.PutNode(ctx, node); err != nil {
			panic(err)
		}
	}
}
