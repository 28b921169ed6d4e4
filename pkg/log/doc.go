/*
Package log provides structured logging for Jacquard using zerolog.

Call Init once at process startup with the desired level and output format,
then obtain component-scoped child loggers with WithComponent (or the more
specific WithExperiment/WithUser/WithBucket helpers) wherever a package needs
to log with consistent fields.
*/
package log
