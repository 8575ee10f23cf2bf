/*
 * fleetd
 * Copyright (C) 2025  Openclaw, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package models validates tenant credentials and resolves the agent model a
// deployment runs with.
package models

import (
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/openclaw/fleetd/lib/types"
)

// Vendor prefixes recognized in model references.
const (
	VendorGoogle    = "google"
	VendorAnthropic = "anthropic"
	VendorOpenAI    = "openai"
)

// Default models picked when the tenant did not choose one, in vendor
// preference order.
const (
	DefaultGoogleModel    = "google/gemini-3-pro-preview"
	DefaultAnthropicModel = "anthropic/claude-sonnet-4-5"
	DefaultOpenAIModel    = "openai/gpt-5"
)

// aliases translates deprecated model names to their successors. Applied
// before any other check so stored configs keep working across agent image
// upgrades.
var aliases = map[string]string{
	"google/gemini-2.5-pro":       DefaultGoogleModel,
	"google/gemini-2.5-flash":     "google/gemini-3-flash-preview",
	"anthropic/claude-3-5-sonnet": DefaultAnthropicModel,
	"anthropic/claude-3-7-sonnet": DefaultAnthropicModel,
	"openai/gpt-4o":               DefaultOpenAIModel,
	"openai/gpt-4.1":              DefaultOpenAIModel,
}

// Key format checks, applied before orchestration accepts a bundle.
var (
	googleKeyRe    = regexp.MustCompile(`^AIza[0-9A-Za-z\-_]{35}$`)
	openaiKeyRe    = regexp.MustCompile(`^sk-[a-zA-Z0-9]{48,}$`)
	anthropicKeyRe = regexp.MustCompile(`^sk-ant-[a-zA-Z0-9\-_]{95,}$`)
	telegramKeyRe  = regexp.MustCompile(`^\d{8,10}:[a-zA-Z0-9_-]{35}$`)
)

// ValidateBundle checks the format of every present credential in a decrypted
// bundle. Absent credentials are fine; malformed ones are rejected before any
// container is started with them.
func ValidateBundle(bundle types.SecretBundle) error {
	if bundle.GoogleAPIKey != "" && !googleKeyRe.MatchString(bundle.GoogleAPIKey) {
		return trace.BadParameter("google API key has invalid format")
	}
	if bundle.OpenAIAPIKey != "" && !openaiKeyRe.MatchString(bundle.OpenAIAPIKey) {
		return trace.BadParameter("openai API key has invalid format")
	}
	if bundle.AnthropicAPIKey != "" && !anthropicKeyRe.MatchString(bundle.AnthropicAPIKey) {
		return trace.BadParameter("anthropic API key has invalid format")
	}
	if bundle.TelegramBotToken != "" && !telegramKeyRe.MatchString(bundle.TelegramBotToken) {
		return trace.BadParameter("telegram bot token has invalid format")
	}
	return nil
}

// Resolve normalizes the requested model against the credentials present in
// the bundle. An empty model picks the first vendor default with a matching
// key. A model whose vendor has no key in the bundle is rejected.
func Resolve(model string, bundle types.SecretBundle) (string, error) {
	if mapped, ok := aliases[model]; ok {
		model = mapped
	}
	if model == "" {
		switch {
		case bundle.GoogleAPIKey != "":
			return DefaultGoogleModel, nil
		case bundle.AnthropicAPIKey != "":
			return DefaultAnthropicModel, nil
		case bundle.OpenAIAPIKey != "":
			return DefaultOpenAIModel, nil
		}
		return "", trace.BadParameter("no model specified and no API key to pick a default from")
	}
	vendor, _, ok := strings.Cut(model, "/")
	if !ok {
		return "", trace.BadParameter("model %q must be in vendor/name form", model)
	}
	var haveKey bool
	switch vendor {
	case VendorGoogle:
		haveKey = bundle.GoogleAPIKey != ""
	case VendorAnthropic:
		haveKey = bundle.AnthropicAPIKey != ""
	case VendorOpenAI:
		haveKey = bundle.OpenAIAPIKey != ""
	default:
		return "", trace.BadParameter("unknown model vendor %q", vendor)
	}
	if !haveKey {
		return "", trace.BadParameter("model %q requires a %s API key", model, vendor)
	}
	return model, nil
}
