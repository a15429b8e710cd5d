// Package pathtemplate resolves templated backup destination paths from
// device and file metadata.
package pathtemplate
