// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlstore

import (
	"time"

	"github.com/AleutianAI/prens/services/namespace/tree"
)

// endpointRow maps the hostname table.
type endpointRow struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	Hostname     string     `gorm:"size:255;uniqueIndex;not null"`
	TTL          int        `gorm:"column:ttl;not null"`
	UpdatedAt    *time.Time `gorm:"autoUpdateTime:false"`
	ResolvedAt   *time.Time
	ErrorMessage *string `gorm:"size:255"`
}

func (endpointRow) TableName() string { return "hostname" }

func (r endpointRow) toEndpoint() tree.Endpoint {
	return tree.Endpoint{
		ID:           r.ID,
		Name:         r.Hostname,
		TTL:          r.TTL,
		UpdatedAt:    r.UpdatedAt,
		ResolvedAt:   r.ResolvedAt,
		ErrorMessage: r.ErrorMessage,
	}
}

// nodeRow maps the heirarchy table. The table name keeps the spelling of
// existing databases.
type nodeRow struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"size:255;uniqueIndex;not null"`
	Parent     *int64 `gorm:"index:idx_heirarchy_parent"`
	HostnameID *int64 `gorm:"column:hostname_id"`
}

func (nodeRow) TableName() string { return "heirarchy" }

func (r nodeRow) toNode() tree.Node {
	n := tree.Node{ID: r.ID, Label: r.Name}
	if r.Parent != nil {
		n.ParentID = *r.Parent
	}
	if r.HostnameID != nil {
		n.EndpointID = *r.HostnameID
	}
	return n
}
