// Package srt implements an SRT caller-mode datagram source: it dials a
// remote SRT listener carrying MPEG-TS and hands each received message to
// the monitor through the same Receive contract as the UDP source.
package srt
