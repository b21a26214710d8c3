// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package useragent contains the User-Agent HTTP header constant for kiln.
package useragent

// String is the user agent string used for making HTTP requests in kiln.
const String = "kiln"
