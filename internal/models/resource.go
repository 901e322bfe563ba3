package models

import (
	"path"
	"strings"
)

// Resource type labels.
const (
	TypeFile      = "File"
	TypeTrashFile = "TrashFile"
	TypeFolder    = "Folder"
	TypeContainer = "Container"
	TypeDataset   = "Dataset"
)

// Zone labels. VRECore is the legacy spelling of Core.
const (
	ZoneGreenroom = "Greenroom"
	ZoneCore      = "Core"
	zoneVRECore   = "VRECore"
)

var typeLabels = []string{TypeFile, TypeTrashFile, TypeFolder, TypeContainer, TypeDataset}

// Direction selects which side of the ownership relation to follow.
type Direction string

const (
	// Output follows parent -> child.
	Output Direction = "output"
	// Input follows child -> parent.
	Input Direction = "input"
)

// ResourceNode is a file, folder or container in the metadata graph.
type ResourceNode struct {
	ID                 string   `json:"global_entity_id"`
	Name               string   `json:"name"`
	Labels             []string `json:"labels"`
	Location           string   `json:"location,omitempty"`
	ProjectCode        string   `json:"project_code,omitempty"`
	FolderRelativePath string   `json:"folder_relative_path,omitempty"`
	FolderLevel        int      `json:"folder_level,omitempty"`
	Archived           bool     `json:"archived"`
	Uploader           string   `json:"uploader,omitempty"`
}

// Type returns the first resource type label, or "" if none.
func (n *ResourceNode) Type() string {
	for _, l := range n.Labels {
		for _, t := range typeLabels {
			if l == t {
				return t
			}
		}
	}
	return ""
}

// Zone returns Greenroom or Core, or "" when the node carries neither label.
func (n *ResourceNode) Zone() string {
	for _, l := range n.Labels {
		switch l {
		case ZoneGreenroom:
			return ZoneGreenroom
		case ZoneCore, zoneVRECore:
			return ZoneCore
		}
	}
	return ""
}

// Path is the lock and ledger key for the node: bucket/object for files,
// project/relative/name for folders and the project code for containers.
func (n *ResourceNode) Path() string {
	switch n.Type() {
	case TypeFile, TypeTrashFile:
		if loc, err := ParseLocation(n.Location); err == nil {
			return loc.Object
		}
		return path.Join(n.ProjectCode, n.FolderRelativePath, n.Name)
	case TypeContainer, TypeDataset:
		return n.ProjectCode
	}
	return path.Join(n.ProjectCode, n.FolderRelativePath, n.Name)
}

// Bucket names the object-store bucket holding a project's files in zone.
func Bucket(zone, projectCode string) string {
	if zone == ZoneGreenroom {
		return "gr-" + projectCode
	}
	return "core-" + projectCode
}

// ChildRelativePath is the folder_relative_path of anything stored directly
// inside n. Containers are the root, so their children have an empty path.
func (n *ResourceNode) ChildRelativePath() string {
	if n.Type() == TypeFolder {
		return path.Join(n.FolderRelativePath, n.Name)
	}
	return ""
}

// Location is a decoded ingestion URI of the form type://host/bucket/object.
type Location struct {
	Scheme string
	Host   string
	Object string // bucket/object
}

// ParseLocation decodes an ingestion URI.
func ParseLocation(s string) (Location, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return Location{}, &LocationError{Location: s}
	}
	host, object, ok := strings.Cut(rest, "/")
	if !ok || host == "" || object == "" {
		return Location{}, &LocationError{Location: s}
	}
	return Location{Scheme: scheme, Host: host, Object: object}, nil
}

// LocationError reports a malformed ingestion URI.
type LocationError struct {
	Location string
}

func (e *LocationError) Error() string {
	return "malformed resource location " + `"` + e.Location + `"`
}
