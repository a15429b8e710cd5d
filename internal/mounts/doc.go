// Package mounts performs mount and unmount of removable block devices at
// template-derived mount points.
package mounts
