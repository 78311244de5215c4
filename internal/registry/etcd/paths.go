package etcd

import (
	"path"
	"strings"

	"github.com/oceangrid/dirsync/internal/models"
)

/*
msd-registry/nodes/root-no
msd-registry/nodes/nat-no
msd-registry/nodes/reg-no-west

Each key holds the JSON node record; the hierarchy is encoded in the
parent_id field, not in the key structure, so a watcher only needs the
nodes prefix.
*/

const (
	registryFolder = "/msd-registry"
	nodesFolder    = registryFolder + "/nodes"
)

func nodesPrefix() string {
	return nodesFolder + "/"
}

// msd-registry/nodes/reg-no-west(%s)
func nodeKey(id models.NodeID) string {
	return path.Join(nodesFolder, string(id))
}

func nodeIDFromKey(key string) (models.NodeID, bool) {
	rest, ok := strings.CutPrefix(key, nodesPrefix())
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return models.NodeID(rest), true
}
