package render

// Browser-side helpers shared by the chromium and playwright backends. Each
// takes a single object argument so both drivers can call them unchanged.

// injectJS places a visualization's markup into its mount element
const injectJS = `({key, markup}) => {
	const el = document.querySelector('#hidden-graphs [data-key="' + key + '"]');
	if (!el) return false;
	el.innerHTML = markup;
	return true;
}`

// rootJS reports whether the off-screen root exists
const rootJS = `() => document.getElementById('hidden-graphs') !== null`

// vectorJS serializes the root svg of a mount, draws it onto a canvas at
// scale and returns a PNG data URI. A zero rendered size falls back to the
// given width and height.
const vectorJS = `async ({mountId, scale, width, height}) => {
	const root = document.getElementById('hidden-graphs');
	if (!root) return null;
	const svg = root.querySelector('#' + CSS.escape(mountId) + ' svg');
	if (!svg) return null;

	const rect = svg.getBoundingClientRect();
	let w = rect.width, h = rect.height;
	if (!w || !h) { w = width; h = height; }

	const data = new XMLSerializer().serializeToString(svg);
	const img = new Image();
	await new Promise((resolve, reject) => {
		img.onload = resolve;
		img.onerror = () => reject(new Error('svg image failed to load'));
		img.src = 'data:image/svg+xml;base64,' + btoa(unescape(encodeURIComponent(data)));
	});

	const canvas = document.createElement('canvas');
	canvas.width = w * scale;
	canvas.height = h * scale;
	const ctx = canvas.getContext('2d');
	ctx.scale(scale, scale);
	ctx.drawImage(img, 0, 0, w, h);
	return canvas.toDataURL('image/png');
}`

// stageJS copies a DOM mount onto the visible capture stage so it can be
// screenshotted; the off-screen root itself is clipped
const stageJS = `({mountId}) => {
	const root = document.getElementById('hidden-graphs');
	const el = root && root.querySelector('#' + CSS.escape(mountId));
	const stage = document.getElementById('capture-stage');
	if (!el || !stage) return false;
	stage.replaceChildren(el.cloneNode(true));
	return true;
}`

const unstageJS = `() => {
	const stage = document.getElementById('capture-stage');
	if (stage) stage.replaceChildren();
}`

const stageSelector = "#capture-stage > *"
