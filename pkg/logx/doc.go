// Package logx is a small structured-logging layer over zerolog.
//
// It exists so the rest of the codebase can log through a stable, minimal
// API (Logger + Field helpers) while sink wiring (console, file, levels)
// stays swappable at runtime via Service.Apply.
package logx
