package model

// Share is a file or folder shared with a circle.
type Share struct {
	ShareID     string `json:"share_id"`
	CircleID    string `json:"circle_id"`
	ItemType    string `json:"item_type"`
	ItemSource  string `json:"item_source"`
	Name        string `json:"name"`
	Permissions int    `json:"permissions"`
	Owner       string `json:"owner"`

	// Origin is the node holding the shared item.
	Origin string `json:"origin"`

	// Token authenticates mount requests from other nodes.
	Token string `json:"token"`

	// Mounted is set on nodes other than Origin once a federated mount
	// point was materialized.
	Mounted bool `json:"mounted"`
}
