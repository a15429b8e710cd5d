// Package devevent models normalized block-device notifications and the
// eligibility filter that gates automatic backups.
package devevent
