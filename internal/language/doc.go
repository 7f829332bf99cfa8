// Package language normalizes the language codes attached to units.
//
// Contributors and fixtures supply BCP 47 tags, ISO 639 codes, or plain
// English names; everything stored or written into an archive manifest goes
// through Normalize so a batch lists "en" once rather than "en", "eng" and
// "en-US".
package language
