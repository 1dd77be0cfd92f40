// Package srt receives MPEG-TS over SRT, either by accepting publish
// connections (Server) or by dialing remote listeners (Caller), and feeds
// each connection into the ingest registry.
package srt
