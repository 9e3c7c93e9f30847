// Package log builds zerolog loggers for the agent's subsystems.
//
// There is no global logger. main calls New once and passes the result
// unchanged into the subsystem constructors.
package log
