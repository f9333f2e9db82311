// Package tgui holds small Telegram UI helpers: HTML-safe text fragments,
// inline keyboards and "scope:action:payload" callback data.
package tgui
