// Package laika provides declarative correlation of event streams.
//
// The data model is in package 'event', the processing engine is in
// 'engine', and command-line tools are in 'cmd'.
//
// See https://github.com/baikonur-io/laika/blob/master/README.md for more.
package laika
