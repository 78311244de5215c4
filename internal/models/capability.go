package models

// ProductType is a standardized product identifier, e.g. "S-101".
type ProductType string

// ServiceType is the kind of geospatial service serving a product, e.g. "WMS".
type ServiceType string

// CapabilityKey uniquely identifies one advertised service on one node.
type CapabilityKey struct {
	NodeID      NodeID      `json:"node_id"`
	ProductType ProductType `json:"product_type"`
	ServiceType ServiceType `json:"service_type"`
}

// Capability is one (product, service-type) offering advertised by a node, as
// returned by the node's own service endpoint.
type Capability struct {
	NodeID      NodeID      `json:"node_id"`
	ProductType ProductType `json:"product_type"`
	ServiceType ServiceType `json:"service_type"`
	Enabled     bool        `json:"enabled"`
	Endpoint    string      `json:"endpoint,omitempty"`
	Version     string      `json:"version,omitempty"`
}

func (c Capability) Key() CapabilityKey {
	return CapabilityKey{
		NodeID:      c.NodeID,
		ProductType: c.ProductType,
		ServiceType: c.ServiceType,
	}
}
